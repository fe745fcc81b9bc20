// Package geoip provides a compact, sorted IPv4 range table and a
// binary-search lookup for country codes, embedded read-only into the
// client process and consulted by the router's CN-IP divert rule.
package geoip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// entrySize is the on-disk and in-memory size of one record: a 4-byte
// big-endian "from" address, a 4-byte big-endian "to" address, and a
// 2-byte ASCII country code.
const entrySize = 10

// ErrNotFound is returned when no range in the table covers the address.
var ErrNotFound = errors.New("geoip: address not in table")

// Entry is one non-overlapping, ascending IPv4 range and its country code.
type Entry struct {
	From    uint32
	To      uint32
	Country [2]byte
}

// Table is a sorted, read-only collection of Entry loaded once at startup
// and shared by every connection-handling goroutine without locking.
type Table struct {
	entries []Entry
}

// NewTable builds a Table from entries, sorting them by From as
// serialize_entries does on the wire-format side.
func NewTable(entries []Entry) *Table {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].From != sorted[j].From {
			return sorted[i].From < sorted[j].From
		}
		return sorted[i].To < sorted[j].To
	})
	return &Table{entries: sorted}
}

// Parse decodes a packed {from:u32be,to:u32be,cc:[2]byte} table, as produced
// by Marshal. The input need not already be sorted; Parse sorts it.
func Parse(data []byte) (*Table, error) {
	if len(data)%entrySize != 0 {
		return nil, fmt.Errorf("geoip: data length %d is not a multiple of %d", len(data), entrySize)
	}
	n := len(data) / entrySize
	entries := make([]Entry, n)
	for i := 0; i < n; i++ {
		rec := data[i*entrySize : (i+1)*entrySize]
		entries[i] = Entry{
			From:    binary.BigEndian.Uint32(rec[0:4]),
			To:      binary.BigEndian.Uint32(rec[4:8]),
			Country: [2]byte{rec[8], rec[9]},
		}
	}
	return NewTable(entries), nil
}

// Marshal serializes the table back to its packed on-disk form, sorted.
func (t *Table) Marshal() []byte {
	out := make([]byte, len(t.entries)*entrySize)
	for i, e := range t.entries {
		rec := out[i*entrySize : (i+1)*entrySize]
		binary.BigEndian.PutUint32(rec[0:4], e.From)
		binary.BigEndian.PutUint32(rec[4:8], e.To)
		rec[8], rec[9] = e.Country[0], e.Country[1]
	}
	return out
}

// Lookup returns the country code of the range containing ip, or
// ErrNotFound if no range covers it. Ties are broken toward the record
// with the greatest From not exceeding ip, matching the reference binary
// search: find the insertion point for ip among the From values, then
// check whether the preceding entry's To still covers it.
func (t *Table) Lookup(ip uint32) (string, error) {
	entries := t.entries
	i := sort.Search(len(entries), func(i int) bool { return entries[i].From >= ip })
	if i < len(entries) && entries[i].From == ip {
		return string(entries[i].Country[:]), nil
	}
	if i == 0 {
		return "", ErrNotFound
	}
	prev := entries[i-1]
	if ip <= prev.To {
		return string(prev.Country[:]), nil
	}
	return "", ErrNotFound
}

// Len reports the number of ranges in the table.
func (t *Table) Len() int { return len(t.entries) }
