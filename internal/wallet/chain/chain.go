package chain

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network 表示签名身份所属的比特币网络。
type Network string

const (
	NetworkMain    Network = "main"
	NetworkTest    Network = "test"
	NetworkRegtest Network = "regtest"
	NetworkSignet  Network = "signet"
)

var aliases = map[string]Network{
	"main":     NetworkMain,
	"mainnet":  NetworkMain,
	"bitcoin":  NetworkMain,
	"test":     NetworkTest,
	"testnet":  NetworkTest,
	"testnet3": NetworkTest,
	"regtest":  NetworkRegtest,
	"signet":   NetworkSignet,
}

// ParseNetwork 将配置中的网络名称规范化，未知名称返回错误。
func ParseNetwork(raw string) (Network, error) {
	if n, ok := aliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return n, nil
	}
	return "", fmt.Errorf("unsupported network %q (want main, test, regtest or signet)", raw)
}

// Params 返回网络对应的链参数。
func (n Network) Params() *chaincfg.Params {
	switch n {
	case NetworkMain:
		return &chaincfg.MainNetParams
	case NetworkTest:
		return &chaincfg.TestNet3Params
	case NetworkRegtest:
		return &chaincfg.RegressionNetParams
	case NetworkSignet:
		return &chaincfg.SigNetParams
	default:
		return nil
	}
}

func (n Network) String() string { return string(n) }
