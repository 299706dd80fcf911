package backend

import (
	"fmt"
	"math/big"
	"strings"
)

// WeiPerEth is 10^18.
var WeiPerEth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// FormatEth converts a wei amount to a decimal ETH string. Amounts stay
// wei-denominated hex internally; this conversion happens only at the read
// boundary.
func FormatEth(wei *big.Int) string {
	if wei == nil || wei.Sign() == 0 {
		return "0"
	}

	neg := wei.Sign() < 0
	abs := new(big.Int).Abs(wei)

	whole := new(big.Int).Div(abs, WeiPerEth)
	remainder := new(big.Int).Mod(abs, WeiPerEth)

	var s string
	if remainder.Sign() == 0 {
		s = whole.String()
	} else {
		frac := fmt.Sprintf("%018s", remainder.String())
		frac = strings.TrimRight(frac, "0")
		s = whole.String() + "." + frac
	}
	if neg {
		s = "-" + s
	}
	return s
}

// EthToWei converts a float ETH amount (policy thresholds are configured
// in ETH) to wei. Precision beyond 18 decimals is truncated.
func EthToWei(eth float64) *big.Int {
	f := new(big.Float).SetFloat64(eth)
	f.Mul(f, new(big.Float).SetInt(WeiPerEth))
	wei, _ := f.Int(nil)
	return wei
}

// WeiToEthFloat converts wei to a float ETH amount for display and risk
// thresholds. Not for accounting; floats lose precision above ~9M ETH.
func WeiToEthFloat(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f := new(big.Float).SetInt(wei)
	f.Quo(f, new(big.Float).SetInt(WeiPerEth))
	out, _ := f.Float64()
	return out
}
