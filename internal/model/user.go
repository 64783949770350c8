package model

// CanSign reports whether signer may act for the account.
func (u *User) CanSign(signer Pubkey) bool {
	if signer.IsZero() {
		return false
	}
	return signer == u.Authority || (!u.Delegate.IsZero() && signer == u.Delegate)
}

// FindPosition returns the slot index bound to marketIndex, or -1.
func (u *User) FindPosition(marketIndex uint16) int {
	for i := range u.Positions {
		p := &u.Positions[i]
		if p.MarketIndex == marketIndex && !p.IsAvailable() {
			return i
		}
	}
	return -1
}

// PositionFor returns the slot bound to marketIndex, claiming a free slot if
// none is bound yet. ok is false when every slot is taken.
func (u *User) PositionFor(marketIndex uint16) (idx int, ok bool) {
	if i := u.FindPosition(marketIndex); i >= 0 {
		return i, true
	}
	for i := range u.Positions {
		if u.Positions[i].IsAvailable() {
			u.Positions[i] = Position{MarketIndex: marketIndex}
			return i, true
		}
	}
	return -1, false
}

// BaseFor returns the signed position size in marketIndex, zero if none.
func (u *User) BaseFor(marketIndex uint16) int64 {
	if i := u.FindPosition(marketIndex); i >= 0 {
		return u.Positions[i].BaseAssetAmount
	}
	return 0
}

// FindOrder returns the slot index holding orderID, or -1. Only slots that
// were ever used are searched.
func (u *User) FindOrder(orderID uint32) int {
	if orderID == 0 {
		return -1
	}
	for i := range u.Orders {
		if u.Orders[i].OrderID == orderID {
			return i
		}
	}
	return -1
}

// FreeOrderSlot returns the first slot that can take a new order, or -1.
func (u *User) FreeOrderSlot() int {
	for i := range u.Orders {
		if u.Orders[i].IsAvailable() {
			return i
		}
	}
	return -1
}

// HasOpenPositions reports whether any slot carries a nonzero size.
func (u *User) HasOpenPositions() bool {
	for i := range u.Positions {
		if u.Positions[i].BaseAssetAmount != 0 {
			return true
		}
	}
	return false
}
