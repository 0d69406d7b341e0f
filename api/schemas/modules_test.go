package schemas

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModule(t *testing.T) {
	tests := []struct {
		in      string
		want    Module
		wantErr bool
	}{
		{in: "/invoice", want: ModuleInvoice},
		{in: "stock", want: ModuleStock},
		{in: " /Inventory ", want: ModuleInventory},
		{in: "/start", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseModule(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNeedsParameters(t *testing.T) {
	assert.True(t, ModuleInvoice.NeedsParameters())
	assert.False(t, ModuleStock.NeedsParameters())
	assert.False(t, ModuleInventory.NeedsParameters())
}

func TestParseJobDate(t *testing.T) {
	d, err := ParseJobDate("05-03-2024")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC), d)

	_, err = ParseJobDate("2024-03-05")
	assert.Error(t, err)
	_, err = ParseJobDate("31-02-2024")
	assert.Error(t, err, "impossible dates are rejected")
}

func TestTargetLabel(t *testing.T) {
	assert.Equal(t, "North Depot", Target{Name: "North Depot"}.Label())
	assert.Equal(t, "Kolkata/North Depot", Target{Name: "North Depot", District: "Kolkata"}.Label())
}
