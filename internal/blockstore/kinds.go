package blockstore

import "github.com/nhle/mailsync/internal/model"

// HeaderEstSize is the fixed cost charged per stored header.
const HeaderEstSize = 300

// HeaderBlock is a page of headers.
type HeaderBlock = Block[model.HeaderInfo]

// BodyBlock is a page of bodies.
type BodyBlock = Block[model.BodyInfo]

// Headers is the strategy for header blocks.
type Headers struct{}

func (Headers) Key(h model.HeaderInfo) Key { return Key{Date: h.Date, UID: h.ID} }

func (Headers) Cost(model.HeaderInfo) int { return HeaderEstSize }

func (Headers) SplitTarget(index, count int, lim Limits) int {
	return EdgeBiasedTarget(index, count, lim)
}

// Bodies is the strategy for body blocks. A body costs its size.
type Bodies struct{}

func (Bodies) Key(b model.BodyInfo) Key { return Key{Date: b.Date, UID: b.ID} }

func (Bodies) Cost(b model.BodyInfo) int { return BodyCost(b) }

func (Bodies) SplitTarget(index, count int, lim Limits) int {
	return EdgeBiasedTarget(index, count, lim)
}

// BodyCost is the size estimate charged for a body. Bodies that report no
// size are charged for their text.
func BodyCost(b model.BodyInfo) int {
	if b.Size > 0 {
		return int(b.Size)
	}
	return len(b.BodyText) + 1
}
