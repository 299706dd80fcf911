package backend

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatEth(t *testing.T) {
	tests := []struct {
		name string
		wei  *big.Int
		want string
	}{
		{"nil", nil, "0"},
		{"zero", big.NewInt(0), "0"},
		{"one eth", new(big.Int).Set(WeiPerEth), "1"},
		{"two eth", new(big.Int).Mul(big.NewInt(2), WeiPerEth), "2"},
		{"half eth", big.NewInt(500_000_000_000_000_000), "0.5"},
		{"one wei", big.NewInt(1), "0.000000000000000001"},
		{"one gwei", big.NewInt(1_000_000_000), "0.000000001"},
		{"mixed", big.NewInt(1_500_000_000_000_000_000), "1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatEth(tt.wei))
		})
	}
}

func TestEthToWei(t *testing.T) {
	assert.Equal(t, "0x1bc16d674ec80000", "0x"+EthToWei(2).Text(16))
	assert.Equal(t, 0, EthToWei(0.1).Cmp(big.NewInt(100_000_000_000_000_000)))
	assert.Equal(t, 0, EthToWei(0).Sign())
}

func TestWeiToEthFloat(t *testing.T) {
	assert.InDelta(t, 2.0, WeiToEthFloat(EthToWei(2)), 1e-12)
	assert.InDelta(t, 0.1, WeiToEthFloat(EthToWei(0.1)), 1e-12)
	assert.Equal(t, 0.0, WeiToEthFloat(nil))
}

func TestRoundTrip(t *testing.T) {
	for _, eth := range []float64{0.001, 0.1, 1, 2.5, 100} {
		wei := EthToWei(eth)
		assert.InDelta(t, eth, WeiToEthFloat(wei), 1e-9, "eth=%v", eth)
	}
}
