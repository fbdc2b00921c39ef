package intel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromExtracted(t *testing.T) {
	got := FromExtracted(Extracted{
		PhishingLinks: []string{"http://x"},
		PhoneNumbers:  []string{"+919876543210", "  "},
		UPIIDs:        []string{"a@b"},
		BankAccounts:  []string{"123456789012"},
	}, 1.4)

	require.Len(t, got, 4)
	assert.Equal(t, []EntityType{PhoneNumber, UPIID, BankAccount, PhishingLink},
		[]EntityType{got[0].Type, got[1].Type, got[2].Type, got[3].Type})
	for _, e := range got {
		assert.Equal(t, 1.0, e.Confidence)
	}
}

func TestSetMergeDropsKnownValues(t *testing.T) {
	s := NewSet()
	first := s.Merge([]Entity{{Type: UPIID, Value: "a@b"}})
	require.Len(t, first.Added, 1)

	second := s.Merge([]Entity{
		{Type: UPIID, Value: "a@b", Confidence: 0.99},
		{Type: PhoneNumber, Value: "9876543210"},
	})
	require.Len(t, second.Added, 1)
	assert.Equal(t, PhoneNumber, second.Added[0].Type)
	assert.Empty(t, second.Collisions)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a@b", list[0].Value)
	assert.Zero(t, list[0].Confidence, "earlier entity must not be replaced")
}

func TestSetMergeIdempotent(t *testing.T) {
	batch := []Entity{
		{Type: PhishingLink, Value: "http://x"},
		{Type: PhoneNumber, Value: "111"},
		{Type: PhoneNumber, Value: "111"},
	}
	s := NewSet()
	s.Merge(batch)
	once := s.List()
	res := s.Merge(batch)

	assert.Empty(t, res.Added)
	assert.Equal(t, once, s.List())
	assert.Len(t, once, 2, "duplicates inside one batch collapse too")
}

func TestSetMergePreservesOrder(t *testing.T) {
	s := NewSet()
	s.Merge([]Entity{{Type: PhoneNumber, Value: "b"}})
	s.Merge([]Entity{
		{Type: PhoneNumber, Value: "c"},
		{Type: PhoneNumber, Value: "b"},
		{Type: PhoneNumber, Value: "a"},
	})

	var values []string
	for _, e := range s.List() {
		values = append(values, e.Value)
	}
	assert.Equal(t, []string{"b", "c", "a"}, values)
}

func TestSetMergeReportsCrossTypeCollision(t *testing.T) {
	s := NewSet()
	s.Merge([]Entity{{Type: PhoneNumber, Value: "9999"}})
	res := s.Merge([]Entity{{Type: BankAccount, Value: "9999"}})

	assert.Empty(t, res.Added)
	require.Len(t, res.Collisions, 1)
	assert.Equal(t, BankAccount, res.Collisions[0].Type)
	assert.Equal(t, 1, s.Len())
}

func TestSetClearAndCount(t *testing.T) {
	s := NewSet()
	s.Merge([]Entity{{Type: PhoneNumber, Value: "1"}, {Type: PhoneNumber, Value: "2"}, {Type: UPIID, Value: "x@y"}})
	assert.Equal(t, map[EntityType]int{PhoneNumber: 2, UPIID: 1}, CountByType(s.List()))

	s.Clear()
	assert.Zero(t, s.Len())
	assert.Len(t, s.Merge([]Entity{{Type: PhoneNumber, Value: "1"}}).Added, 1)
}
