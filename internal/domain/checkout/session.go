package checkout

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// RawSession is the persisted layout: three independently written JSON values
// and a cached last-visited creator. Any of them may be absent or corrupt.
type RawSession struct {
	Items       string
	Quantities  string
	Creator     string
	LastCreator string
}

type rawItem struct {
	ID        json.RawMessage `json:"id"`
	ProductID json.RawMessage `json:"productId"`
	Name      string          `json:"name"`
	Price     json.RawMessage `json:"price"`
	Quantity  json.RawMessage `json:"quantity"`
	Creator   json.RawMessage `json:"creator"`
	CreatorID json.RawMessage `json:"creatorId"`
}

type rawCreator struct {
	ID       json.RawMessage `json:"id"`
	Username string          `json:"username"`
}

// Encode writes the cart in the persisted layout. LastCreator is owned by the store.
func Encode(c Cart) RawSession {
	items := make([]Item, len(c.Items))
	quantities := make(map[string]int, len(c.Items))
	for i, it := range c.Items {
		items[i] = it
		quantities[it.ProductID] = it.Quantity
	}
	var raw RawSession
	raw.Items = mustJSON(items)
	raw.Quantities = mustJSON(quantities)
	if c.Creator.Known() {
		raw.Creator = mustJSON(c.Creator)
	}
	return raw
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Decode reads a persisted session, dropping what cannot be repaired:
// items without a product id are discarded, missing quantities default to 1,
// duplicate products keep their first line, and missing creators are
// backfilled from the cart, then the first item, then the cached last creator.
func Decode(raw RawSession) Cart {
	var cart Cart
	note := func(s string) { cart.Repairs = append(cart.Repairs, s) }

	quantities := map[string]json.RawMessage{}
	if strings.TrimSpace(raw.Quantities) != "" {
		if err := json.Unmarshal([]byte(raw.Quantities), &quantities); err != nil {
			note("quantities_unreadable")
			quantities = map[string]json.RawMessage{}
		}
	}

	var entries []json.RawMessage
	if strings.TrimSpace(raw.Items) != "" {
		if err := json.Unmarshal([]byte(raw.Items), &entries); err != nil {
			note("items_unreadable")
			entries = nil
		}
	}

	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		var ri rawItem
		if err := json.Unmarshal(entry, &ri); err != nil {
			note("item_dropped_malformed")
			continue
		}
		id := flexString(ri.ProductID)
		if id == "" {
			id = flexString(ri.ID)
		}
		if id == "" {
			note("item_dropped_no_product")
			continue
		}
		if seen[id] {
			note("item_dropped_duplicate")
			continue
		}
		seen[id] = true

		qty, ok := flexInt(quantities[id])
		if !ok {
			qty, ok = flexInt(ri.Quantity)
		}
		if !ok || qty < 1 {
			note("quantity_defaulted")
			qty = 1
		}
		price, _ := flexInt(ri.Price)

		item := Item{
			ProductID: id,
			Name:      ri.Name,
			Price:     int64(price),
			Quantity:  qty,
			Creator:   decodeCreator(ri.Creator),
		}
		if !item.Creator.Known() {
			item.Creator.ID = flexString(ri.CreatorID)
		}
		cart.Items = append(cart.Items, item)
	}

	cart.Creator = decodeCreator(json.RawMessage(raw.Creator))
	if !cart.Creator.Known() && strings.TrimSpace(raw.Creator) != "" {
		note("creator_unreadable")
	}
	if !cart.Creator.Known() {
		for _, it := range cart.Items {
			if it.Creator.Known() {
				cart.Creator = it.Creator
				note("creator_from_item")
				break
			}
		}
	}
	if !cart.Creator.Known() {
		if last := decodeCreator(json.RawMessage(raw.LastCreator)); last.Known() {
			cart.Creator = last
			note("creator_from_last_visited")
		}
	}

	for i := range cart.Items {
		if !cart.Items[i].Creator.Known() && cart.Creator.Known() {
			cart.Items[i].Creator = cart.Creator
			note("item_creator_backfilled")
		}
	}
	return cart
}

// decodeCreator accepts an object or a bare id.
func decodeCreator(b json.RawMessage) CreatorRef {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return CreatorRef{}
	}
	if b[0] == '{' {
		var rc rawCreator
		if err := json.Unmarshal(b, &rc); err != nil {
			return CreatorRef{}
		}
		return CreatorRef{ID: flexString(rc.ID), Username: rc.Username}
	}
	if id := flexString(b); id != "" {
		return CreatorRef{ID: id}
	}
	// A plain string written without JSON quoting by an older client.
	if !bytes.ContainsAny(b, "{}[]\"") {
		return CreatorRef{ID: string(b)}
	}
	return CreatorRef{}
}

func flexString(b json.RawMessage) string {
	if len(b) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		return n.String()
	}
	return ""
}

func flexInt(b json.RawMessage) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		return n, true
	}
	if s := flexString(b); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return v, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int(f), true
		}
	}
	return 0, false
}
