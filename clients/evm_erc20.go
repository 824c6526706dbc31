package clients

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const erc20ABI = `[{
	"inputs":[
	  {"name":"to","type":"address"},
	  {"name":"value","type":"uint256"}
	],
	"name":"transfer",
	"outputs":[{"name":"","type":"bool"}],
	"stateMutability":"nonpayable",
	"type":"function"
},{
	"anonymous":false,
	"inputs":[
	  {"indexed":true,"name":"from","type":"address"},
	  {"indexed":true,"name":"to","type":"address"},
	  {"indexed":false,"name":"value","type":"uint256"}
	],
	"name":"Transfer",
	"type":"event"
}]`

var (
	parsedERC20ABI = mustParseABI(erc20ABI)

	// keccak256("Transfer(address,address,uint256)")
	transferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid erc20 abi: %v", err))
	}
	return parsed
}

// packERC20Transfer builds calldata for transfer(to, value).
func packERC20Transfer(to common.Address, value *big.Int) ([]byte, error) {
	return parsedERC20ABI.Pack("transfer", to, value)
}

// erc20Transfer is a decoded Transfer event.
type erc20Transfer struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

// decodeERC20Transfers returns every Transfer event emitted by token.
func decodeERC20Transfers(logs []*types.Log, token common.Address) []erc20Transfer {
	var out []erc20Transfer
	for _, l := range logs {
		if l == nil || l.Address != token {
			continue
		}
		if len(l.Topics) != 3 || l.Topics[0] != transferEventTopic {
			continue
		}
		if len(l.Data) != 32 {
			continue
		}
		out = append(out, erc20Transfer{
			Token: l.Address,
			From:  common.BytesToAddress(l.Topics[1].Bytes()),
			To:    common.BytesToAddress(l.Topics[2].Bytes()),
			Value: new(big.Int).SetBytes(l.Data),
		})
	}
	return out
}
