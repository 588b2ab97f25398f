package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/mailsync/internal/folder"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/pool"
	"github.com/nhle/mailsync/internal/protocol"
)

const snippetRunes = 100

// touched collects the storages a phase wrote to so they can be
// checkpointed together. A local phase also holds each folder exclusively
// until the checkpoint, so a sync step never sees it half done.
type touched struct {
	open      map[string]*folder.Storage
	exclusive bool
	releases  []func()
}

func newTouched(exclusive bool) *touched {
	return &touched{open: make(map[string]*folder.Storage), exclusive: exclusive}
}

func (q *Queue) storage(ctx context.Context, t *touched, folderID string) (*folder.Storage, error) {
	if st, ok := t.open[folderID]; ok {
		return st, nil
	}
	st, err := q.folders.Storage(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("opening folder %s: %w", folderID, err)
	}
	if t.exclusive {
		release, err := st.Exclusive(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for folder %s: %w", folderID, err)
		}
		t.releases = append(t.releases, release)
	}
	t.open[folderID] = st
	return st, nil
}

func (q *Queue) flush(ctx context.Context, t *touched) {
	for id, st := range t.open {
		if err := st.Flush(ctx); err != nil {
			q.log.Error().Err(err).Str("folder", id).Msg("flushing folder")
		}
	}
	for _, release := range t.releases {
		release()
	}
}

func parseRef(ref model.MessageRef) (string, model.UID, error) {
	folderID, id, ok := model.ParseSUID(ref.SUID)
	if !ok {
		return "", 0, fmt.Errorf("malformed message id %q", ref.SUID)
	}
	return folderID, id, nil
}

// localDo and localUndo run one at a time, so the folders they hold are
// never taken in conflicting orders.
func (q *Queue) localDo(ctx context.Context, op *model.Operation) error {
	q.localMu.Lock()
	defer q.localMu.Unlock()
	t := newTouched(true)
	defer q.flush(ctx, t)

	switch op.Type {
	case model.OpModTags:
		return q.modTagsLocal(ctx, t, op)
	case model.OpMove:
		if _, ok := q.folders.FolderMeta(op.TargetFolder); !ok {
			return fmt.Errorf("unknown folder %s", op.TargetFolder)
		}
		return q.moveLocal(ctx, t, op, func(string) string { return op.TargetFolder })
	case model.OpDelete:
		trash, hasTrash := q.folders.FolderOfType(model.FolderTypeTrash)
		if hasTrash {
			op.TargetFolder = trash.ID
		}
		return q.moveLocal(ctx, t, op, func(source string) string {
			if !hasTrash || source == trash.ID {
				return ""
			}
			return trash.ID
		})
	case model.OpAppend:
		return q.appendLocal(ctx, t, op)
	}
	return fmt.Errorf("unsupported operation %q", op.Type)
}

func (q *Queue) localUndo(ctx context.Context, op *model.Operation) error {
	q.localMu.Lock()
	defer q.localMu.Unlock()
	t := newTouched(true)
	defer q.flush(ctx, t)

	switch op.Type {
	case model.OpModTags:
		return q.modTagsUndoLocal(ctx, t, op)
	case model.OpMove, model.OpDelete:
		return q.moveUndoLocal(ctx, t, op)
	case model.OpAppend:
		for _, ref := range op.Appended {
			if ref.SUID == "" {
				continue
			}
			folderID, id, err := parseRef(ref)
			if err != nil {
				return err
			}
			st, err := q.storage(ctx, t, folderID)
			if err != nil {
				return err
			}
			if _, err := st.DeleteMessage(ctx, ref.Date, id); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported operation %q", op.Type)
}

// modTagsLocal applies the requested flags and records what actually
// changed per message. Nothing changing means there is no server work.
func (q *Queue) modTagsLocal(ctx context.Context, t *touched, op *model.Operation) error {
	op.TagChanges = make(map[string]model.TagChange)
	for _, ref := range op.Messages {
		folderID, id, err := parseRef(ref)
		if err != nil {
			return err
		}
		st, err := q.storage(ctx, t, folderID)
		if err != nil {
			return err
		}

		var change model.TagChange
		_, err = st.UpdateMessageHeader(ctx, ref.Date, id, folder.MutateHeader(func(h *model.HeaderInfo) bool {
			for _, f := range op.AddTags {
				if h.AddFlag(f) {
					change.Added = append(change.Added, f)
				}
			}
			for _, f := range op.RemoveTags {
				if h.RemoveFlag(f) {
					change.Removed = append(change.Removed, f)
				}
			}
			return len(change.Added)+len(change.Removed) > 0
		}))
		if err != nil {
			return err
		}
		if len(change.Added)+len(change.Removed) > 0 {
			op.TagChanges[ref.SUID] = change
		}
	}
	if len(op.TagChanges) == 0 {
		op.Status = model.StatusSkip
	}
	return nil
}

func (q *Queue) modTagsUndoLocal(ctx context.Context, t *touched, op *model.Operation) error {
	for _, ref := range op.Messages {
		change, ok := op.TagChanges[ref.SUID]
		if !ok {
			continue
		}
		folderID, id, err := parseRef(ref)
		if err != nil {
			return err
		}
		st, err := q.storage(ctx, t, folderID)
		if err != nil {
			return err
		}
		_, err = st.UpdateMessageHeader(ctx, ref.Date, id, folder.MutateHeader(func(h *model.HeaderInfo) bool {
			changed := false
			for _, f := range change.Added {
				changed = h.RemoveFlag(f) || changed
			}
			for _, f := range change.Removed {
				changed = h.AddFlag(f) || changed
			}
			return changed
		}))
		if err != nil {
			return err
		}
	}
	return nil
}

// moveLocal takes each message out of its folder and, when targetOf names
// a folder, stores a placeholder copy there until the server reports the
// new UID. An empty target deletes the message outright.
func (q *Queue) moveLocal(
	ctx context.Context,
	t *touched,
	op *model.Operation,
	targetOf func(source string) string,
) error {
	op.Moved = nil
	for _, ref := range op.Messages {
		folderID, id, err := parseRef(ref)
		if err != nil {
			return err
		}
		target := targetOf(folderID)
		if target == folderID {
			continue
		}
		src, err := q.storage(ctx, t, folderID)
		if err != nil {
			return err
		}
		h, err := src.Header(ctx, ref.Date, id)
		if err != nil {
			return err
		}
		if h == nil {
			continue
		}
		body, err := src.MessageBody(ctx, ref.Date, id)
		if err != nil {
			return err
		}

		moved := model.MovedMessage{Source: ref, SrvID: h.SrvID, Header: h.Clone()}
		if target != "" {
			dst, err := q.storage(ctx, t, target)
			if err != nil {
				return err
			}
			placeholder := h.Clone()
			placeholder.SrvID = 0
			added, err := dst.AddMessage(ctx, placeholder, body)
			if err != nil {
				return err
			}
			moved.Target = model.MessageRef{SUID: added.SUID, Date: added.Date}
		}
		if _, err := src.DeleteMessage(ctx, ref.Date, id); err != nil {
			return err
		}
		op.Moved = append(op.Moved, moved)
	}
	if len(op.Moved) == 0 {
		op.Status = model.StatusSkip
	}
	return nil
}

// moveUndoLocal puts moved messages back in their source folders. Once the
// server has applied the move, the restored copy is a placeholder until
// the server undo moves it back; before that it keeps its original UID.
func (q *Queue) moveUndoLocal(ctx context.Context, t *touched, op *model.Operation) error {
	serverApplied := op.Status == model.StatusDone
	for i := len(op.Moved) - 1; i >= 0; i-- {
		m := &op.Moved[i]
		h := m.Header.Clone()
		var body *model.BodyInfo

		if m.Target.SUID != "" {
			targetID, id, err := parseRef(m.Target)
			if err != nil {
				return err
			}
			dst, err := q.storage(ctx, t, targetID)
			if err != nil {
				return err
			}
			if cur, err := dst.Header(ctx, m.Target.Date, id); err != nil {
				return err
			} else if cur != nil {
				h.Flags = cur.Flags
			}
			if body, err = dst.MessageBody(ctx, m.Target.Date, id); err != nil {
				return err
			}
			if _, err := dst.DeleteMessage(ctx, m.Target.Date, id); err != nil {
				return err
			}
		} else if serverApplied {
			// Expunged, or moved to a UID nobody reported.
			continue
		}

		sourceID, _, err := parseRef(m.Source)
		if err != nil {
			return err
		}
		src, err := q.storage(ctx, t, sourceID)
		if err != nil {
			return err
		}
		if serverApplied {
			h.SrvID = 0
		} else {
			h.SrvID = m.SrvID
		}
		restored, err := src.AddMessage(ctx, h, body)
		if err != nil {
			return err
		}
		m.Source = model.MessageRef{SUID: restored.SUID, Date: restored.Date}
	}
	return nil
}

func (q *Queue) appendLocal(ctx context.Context, t *touched, op *model.Operation) error {
	if _, ok := q.folders.FolderMeta(op.FolderID); !ok {
		return fmt.Errorf("unknown folder %s", op.FolderID)
	}
	st, err := q.storage(ctx, t, op.FolderID)
	if err != nil {
		return err
	}

	op.Appended = nil
	for _, msg := range op.Append {
		parsed, err := protocol.ParseMessage(msg.Raw)
		if err != nil {
			return fmt.Errorf("parsing message: %w", err)
		}
		date := msg.Date
		if date == 0 && !parsed.Date.IsZero() {
			date = model.Millis(parsed.Date)
		}
		if date == 0 {
			date = model.Millis(time.Now())
		}

		text := parsed.TextBody
		if text == "" {
			text = parsed.HTMLBody
		}
		h := model.HeaderInfo{
			Author:         parsed.From,
			Date:           date,
			Flags:          msg.Flags,
			HasAttachments: len(parsed.Attachments) > 0,
			Subject:        parsed.Subject,
			Snippet:        protocol.Snippet(text, snippetRunes),
		}
		body := &model.BodyInfo{
			Size:        int64(len(msg.Raw)),
			To:          parsed.To,
			CC:          parsed.CC,
			BCC:         parsed.BCC,
			ReplyTo:     parsed.ReplyTo,
			Attachments: parsed.Attachments,
			BodyText:    text,
		}
		added, err := st.AddMessage(ctx, h, body)
		if err != nil {
			return err
		}
		op.Appended = append(op.Appended, model.MessageRef{SUID: added.SUID, Date: added.Date})
	}
	return nil
}

// withLease runs fn on a connection with folderID selected. A failure
// drops the connection.
func (q *Queue) withLease(ctx context.Context, folderID string, fn func(*pool.Lease) error) error {
	meta, ok := q.folders.FolderMeta(folderID)
	if !ok {
		return fmt.Errorf("unknown folder %s", folderID)
	}
	lease, err := q.pool.Acquire(ctx, folderID, meta.Path)
	if err != nil {
		return err
	}
	if err := fn(lease); err != nil {
		lease.Discard()
		return err
	}
	lease.Release(context.WithoutCancel(ctx))
	return nil
}

func (q *Queue) serverDo(ctx context.Context, op *model.Operation) error {
	t := newTouched(false)
	defer q.flush(ctx, t)

	switch op.Type {
	case model.OpModTags:
		return q.storeTags(ctx, t, op, false)
	case model.OpMove, model.OpDelete:
		return q.moveServer(ctx, t, op)
	case model.OpAppend:
		return q.appendServer(ctx, t, op)
	}
	return fmt.Errorf("unsupported operation %q", op.Type)
}

func (q *Queue) serverUndo(ctx context.Context, op *model.Operation) error {
	t := newTouched(false)
	defer q.flush(ctx, t)

	switch op.Type {
	case model.OpModTags:
		return q.storeTags(ctx, t, op, true)
	case model.OpMove, model.OpDelete:
		return q.moveBackServer(ctx, t, op)
	case model.OpAppend:
		var uids []model.UID
		for _, uid := range op.AppendedUIDs {
			if uid != 0 {
				uids = append(uids, uid)
			}
		}
		if len(uids) == 0 {
			return nil
		}
		return q.withLease(ctx, op.FolderID, func(l *pool.Lease) error {
			return l.Conn().Store(ctx, uids, []string{model.FlagDeleted}, nil)
		})
	}
	return fmt.Errorf("unsupported operation %q", op.Type)
}

// storeTags sends each message's recorded flag change, or its inverse.
func (q *Queue) storeTags(ctx context.Context, t *touched, op *model.Operation, invert bool) error {
	byFolder := make(map[string][]model.MessageRef)
	var order []string
	for _, ref := range op.Messages {
		if _, ok := op.TagChanges[ref.SUID]; !ok {
			continue
		}
		folderID, _, err := parseRef(ref)
		if err != nil {
			return err
		}
		if _, ok := byFolder[folderID]; !ok {
			order = append(order, folderID)
		}
		byFolder[folderID] = append(byFolder[folderID], ref)
	}

	for _, folderID := range order {
		st, err := q.storage(ctx, t, folderID)
		if err != nil {
			return err
		}
		refs := byFolder[folderID]
		err = q.withLease(ctx, folderID, func(l *pool.Lease) error {
			for _, ref := range refs {
				_, id, _ := parseRef(ref)
				h, err := st.Header(ctx, ref.Date, id)
				if err != nil {
					return err
				}
				if h == nil || h.SrvID == 0 {
					continue
				}
				change := op.TagChanges[ref.SUID]
				add, remove := change.Added, change.Removed
				if invert {
					add, remove = remove, add
				}
				if err := l.Conn().Store(ctx, []model.UID{h.SrvID}, add, remove); err != nil {
					return fmt.Errorf("storing flags: %w", err)
				}
				op.Progress++
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// moveServer applies moves and deletes grouped by source folder. Moved
// placeholders learn their new UID; without one the placeholder is dropped
// and the next sync of the target brings the message in.
func (q *Queue) moveServer(ctx context.Context, t *touched, op *model.Operation) error {
	groups := make(map[string][]int)
	var order []string
	for i, m := range op.Moved {
		if m.SrvID == 0 {
			continue
		}
		source, _, err := parseRef(m.Source)
		if err != nil {
			return err
		}
		if _, ok := groups[source]; !ok {
			order = append(order, source)
		}
		groups[source] = append(groups[source], i)
	}

	for _, source := range order {
		var moveUIDs, deleteUIDs []model.UID
		for _, i := range groups[source] {
			if op.Moved[i].Target.SUID == "" {
				deleteUIDs = append(deleteUIDs, op.Moved[i].SrvID)
			} else {
				moveUIDs = append(moveUIDs, op.Moved[i].SrvID)
			}
		}

		var mapping map[model.UID]model.UID
		err := q.withLease(ctx, source, func(l *pool.Lease) error {
			if len(deleteUIDs) > 0 {
				if err := l.Conn().Store(ctx, deleteUIDs, []string{model.FlagDeleted}, nil); err != nil {
					return fmt.Errorf("flagging deleted: %w", err)
				}
			}
			if len(moveUIDs) > 0 {
				meta, ok := q.folders.FolderMeta(op.TargetFolder)
				if !ok {
					return fmt.Errorf("unknown folder %s", op.TargetFolder)
				}
				var err error
				if mapping, err = l.Conn().Move(ctx, moveUIDs, meta.Path); err != nil {
					return fmt.Errorf("moving to %s: %w", meta.Path, err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, i := range groups[source] {
			m := &op.Moved[i]
			op.Progress++
			if m.Target.SUID == "" {
				continue
			}
			if err := q.settlePlaceholder(ctx, t, &m.Target, mapping[m.SrvID]); err != nil {
				return err
			}
			m.TargetID = mapping[m.SrvID]
		}
	}
	return nil
}

// moveBackServer reverses moves whose destination UID is known.
func (q *Queue) moveBackServer(ctx context.Context, t *touched, op *model.Operation) error {
	meta, ok := q.folders.FolderMeta(op.TargetFolder)
	if !ok {
		return nil
	}
	byPath := make(map[string][]int)
	var order []string
	for i, m := range op.Moved {
		if m.TargetID == 0 {
			continue
		}
		source, _, err := parseRef(m.Source)
		if err != nil {
			return err
		}
		if _, ok := byPath[source]; !ok {
			order = append(order, source)
		}
		byPath[source] = append(byPath[source], i)
	}
	if len(order) == 0 {
		return nil
	}

	return q.withLease(ctx, meta.ID, func(l *pool.Lease) error {
		for _, source := range order {
			srcMeta, ok := q.folders.FolderMeta(source)
			if !ok {
				return fmt.Errorf("unknown folder %s", source)
			}
			var uids []model.UID
			for _, i := range byPath[source] {
				uids = append(uids, op.Moved[i].TargetID)
			}
			mapping, err := l.Conn().Move(ctx, uids, srcMeta.Path)
			if err != nil {
				return fmt.Errorf("moving back to %s: %w", srcMeta.Path, err)
			}
			for _, i := range byPath[source] {
				m := &op.Moved[i]
				if err := q.settlePlaceholder(ctx, t, &m.Source, mapping[m.TargetID]); err != nil {
					return err
				}
				m.SrvID = mapping[m.TargetID]
				m.TargetID = 0
				op.Progress++
			}
		}
		return nil
	})
}

// settlePlaceholder gives a placeholder its server UID, or removes it and
// clears ref when the server did not report one.
func (q *Queue) settlePlaceholder(
	ctx context.Context,
	t *touched,
	ref *model.MessageRef,
	uid model.UID,
) error {
	folderID, id, err := parseRef(*ref)
	if err != nil {
		return err
	}
	st, err := q.storage(ctx, t, folderID)
	if err != nil {
		return err
	}
	if uid == 0 {
		if _, err := st.DeleteMessage(ctx, ref.Date, id); err != nil {
			return err
		}
		*ref = model.MessageRef{}
		return nil
	}
	_, err = st.UpdateMessageHeader(ctx, ref.Date, id, folder.MutateHeader(func(h *model.HeaderInfo) bool {
		h.SrvID = uid
		return true
	}))
	return err
}

func (q *Queue) appendServer(ctx context.Context, t *touched, op *model.Operation) error {
	meta, ok := q.folders.FolderMeta(op.FolderID)
	if !ok {
		return fmt.Errorf("unknown folder %s", op.FolderID)
	}
	op.AppendedUIDs = make([]model.UID, len(op.Append))
	return q.withLease(ctx, op.FolderID, func(l *pool.Lease) error {
		for i, msg := range op.Append {
			uid, err := l.Conn().Append(ctx, meta.Path, msg)
			if err != nil {
				return fmt.Errorf("appending to %s: %w", meta.Path, err)
			}
			op.AppendedUIDs[i] = uid
			if i < len(op.Appended) {
				ref := op.Appended[i]
				if err := q.settlePlaceholder(ctx, t, &ref, uid); err != nil {
					return err
				}
				op.Appended[i] = ref
			}
			op.Progress++
		}
		return nil
	})
}
