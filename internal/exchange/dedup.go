package exchange

import "pairwatch/internal/model"

type tickKey struct {
	tradeID  int64
	unixNano int64
	price    float64
	quantity float64
}

func keyOf(t model.Tick) tickKey {
	if t.TradeID != 0 {
		return tickKey{tradeID: t.TradeID}
	}
	return tickKey{unixNano: t.ExchangeTime.UnixNano(), price: t.Price, quantity: t.Quantity}
}

// dedup remembers the last size keys in FIFO order.
type dedup struct {
	seen map[tickKey]struct{}
	ring []tickKey
	next int
	full bool
}

func newDedup(size int) *dedup {
	if size <= 0 {
		return nil
	}
	return &dedup{
		seen: make(map[tickKey]struct{}, size),
		ring: make([]tickKey, size),
	}
}

// add reports whether t was not seen before, remembering it.
func (d *dedup) add(t model.Tick) bool {
	if d == nil {
		return true
	}
	k := keyOf(t)
	if _, ok := d.seen[k]; ok {
		return false
	}
	if d.full {
		delete(d.seen, d.ring[d.next])
	}
	d.ring[d.next] = k
	d.seen[k] = struct{}{}
	d.next++
	if d.next == len(d.ring) {
		d.next = 0
		d.full = true
	}
	return true
}
