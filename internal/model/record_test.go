package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFacetHash_KeywordOrderInsensitive(t *testing.T) {
	a := FacetHash("Wiring", "Earthing", "Main bonding", []string{"bonding", "earth", "conductor"})
	b := FacetHash("wiring", " earthing ", "main  bonding", []string{"Conductor", "bonding", "earth", "earth"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFacetHash_DistinguishesFields(t *testing.T) {
	base := FacetHash("Wiring", "Earthing", "Main bonding", []string{"a", "b", "c"})
	assert.NotEqual(t, base, FacetHash("Inspection", "Earthing", "Main bonding", []string{"a", "b", "c"}))
	assert.NotEqual(t, base, FacetHash("Wiring", "Isolation", "Main bonding", []string{"a", "b", "c"}))
	assert.NotEqual(t, base, FacetHash("Wiring", "Earthing", "Supplementary bonding", []string{"a", "b", "c"}))
	assert.NotEqual(t, base, FacetHash("Wiring", "Earthing", "Main bonding", []string{"a", "b", "d"}))
}

func TestFacetHash_SeparatorsInValues(t *testing.T) {
	assert.NotEqual(t,
		FacetHash("Wiring", "", "", []string{"a,b", "c"}),
		FacetHash("Wiring", "", "", []string{"a", "b,c"}))
	assert.NotEqual(t,
		FacetHash("a|b", "c", "", nil),
		FacetHash("a", "b|c", "", nil))
	assert.NotEqual(t,
		FacetHash("Wiring", "Earthing", "", []string{"x"}),
		FacetHash("Wiring", "Earthing", "x", nil))
}

func TestEnrichmentRecord_ComputeHash(t *testing.T) {
	r := EnrichmentRecord{Category: "Testing", Keywords: []string{"rcd", "trip"}}
	h := r.ComputeHash()
	assert.Equal(t, h, r.FacetHash)
	assert.Equal(t, FacetHash("testing", "", "", []string{"trip", "rcd"}), h)
}

func TestBatchStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to BatchStatus
		want     bool
	}{
		{BatchStatusPending, BatchStatusProcessing, true},
		{BatchStatusPending, BatchStatusCompleted, false},
		{BatchStatusProcessing, BatchStatusCompleted, true},
		{BatchStatusProcessing, BatchStatusFailed, true},
		{BatchStatusProcessing, BatchStatusPending, false},
		{BatchStatusCompleted, BatchStatusPending, false},
		{BatchStatusFailed, BatchStatusProcessing, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestBatchStatus_IsTerminal(t *testing.T) {
	assert.False(t, BatchStatusPending.IsTerminal())
	assert.False(t, BatchStatusProcessing.IsTerminal())
	assert.True(t, BatchStatusCompleted.IsTerminal())
	assert.True(t, BatchStatusFailed.IsTerminal())
	assert.False(t, BatchStatus("bogus").IsValid())
}

func TestBatchProgress_StartOffset(t *testing.T) {
	b := BatchProgress{BatchNumber: 3, Data: ProgressData{BatchSize: 10}}
	assert.Equal(t, 30, b.StartOffset(25))
	assert.Equal(t, 10, b.Size(25))

	b = BatchProgress{BatchNumber: 2}
	assert.Equal(t, 50, b.StartOffset(25))
	assert.Equal(t, 25, b.Size(25))

	b = BatchProgress{BatchNumber: 0, Data: ProgressData{StartFrom: 7, BatchSize: 10}}
	assert.Equal(t, 7, b.StartOffset(25))
}
