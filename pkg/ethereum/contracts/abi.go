// Package contracts holds the ABI of the bridge contracts the relayer reads
// from and writes to, and typed helpers over it.
package contracts

import (
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
)

// Event names emitted by the bridge contracts.
const (
	EventAssetLocked  = "AssetLocked"
	EventLocked       = "Locked"
	EventTokensBurned = "TokensBurned"
	EventBurned       = "Burned"
	EventMinted       = "Minted"
	EventUnlocked     = "Unlocked"
)

// BridgeMetaData contains the lock, burn, mint and unlock surface of the bridge contracts.
var BridgeMetaData = &bind.MetaData{
	ABI: `[
	{"anonymous":false,"name":"AssetLocked","type":"event","inputs":[
		{"indexed":true,"internalType":"address","name":"sender","type":"address"},
		{"indexed":true,"internalType":"address","name":"receiver","type":"address"},
		{"indexed":true,"internalType":"address","name":"token","type":"address"},
		{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},
		{"indexed":false,"internalType":"uint256","name":"fee","type":"uint256"},
		{"indexed":false,"internalType":"bytes32","name":"crosschainHash","type":"bytes32"},
		{"indexed":false,"internalType":"uint256","name":"transactionId","type":"uint256"},
		{"indexed":false,"internalType":"uint256","name":"destinationChainId","type":"uint256"}]},
	{"anonymous":false,"name":"Locked","type":"event","inputs":[
		{"indexed":true,"internalType":"address","name":"sender","type":"address"},
		{"indexed":true,"internalType":"address","name":"receiver","type":"address"},
		{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},
		{"indexed":false,"internalType":"uint256","name":"fee","type":"uint256"},
		{"indexed":false,"internalType":"bytes32","name":"crosschainHash","type":"bytes32"}]},
	{"anonymous":false,"name":"TokensBurned","type":"event","inputs":[
		{"indexed":true,"internalType":"bytes32","name":"transactionId","type":"bytes32"},
		{"indexed":true,"internalType":"address","name":"burner","type":"address"},
		{"indexed":true,"internalType":"address","name":"token","type":"address"},
		{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},
		{"indexed":false,"internalType":"address","name":"recipient","type":"address"},
		{"indexed":false,"internalType":"uint256","name":"destinationChainId","type":"uint256"}]},
	{"anonymous":false,"name":"Burned","type":"event","inputs":[
		{"indexed":true,"internalType":"address","name":"burner","type":"address"},
		{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},
		{"indexed":true,"internalType":"address","name":"recipient","type":"address"},
		{"indexed":false,"internalType":"bytes32","name":"crosschainHash","type":"bytes32"}]},
	{"anonymous":false,"name":"Minted","type":"event","inputs":[
		{"indexed":true,"internalType":"bytes32","name":"transactionId","type":"bytes32"},
		{"indexed":true,"internalType":"address","name":"recipient","type":"address"},
		{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}]},
	{"anonymous":false,"name":"Unlocked","type":"event","inputs":[
		{"indexed":true,"internalType":"bytes32","name":"transactionId","type":"bytes32"},
		{"indexed":true,"internalType":"address","name":"token","type":"address"},
		{"indexed":true,"internalType":"address","name":"recipient","type":"address"},
		{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}]},
	{"name":"mint","type":"function","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"internalType":"bytes32","name":"transactionId","type":"bytes32"},
		{"internalType":"address","name":"recipient","type":"address"},
		{"internalType":"uint256","name":"amount","type":"uint256"},
		{"internalType":"bytes","name":"signature","type":"bytes"}]},
	{"name":"unlock","type":"function","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"internalType":"bytes32","name":"transactionId","type":"bytes32"},
		{"internalType":"address","name":"token","type":"address"},
		{"internalType":"address","name":"recipient","type":"address"},
		{"internalType":"uint256","name":"amount","type":"uint256"},
		{"internalType":"bytes","name":"signature","type":"bytes"}]},
	{"name":"processedMintTxs","type":"function","stateMutability":"view",
		"inputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],
		"outputs":[{"internalType":"bool","name":"","type":"bool"}]},
	{"name":"processedUnlockTxs","type":"function","stateMutability":"view",
		"inputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],
		"outputs":[{"internalType":"bool","name":"","type":"bool"}]},
	{"name":"token","type":"function","stateMutability":"view","inputs":[],
		"outputs":[{"internalType":"address","name":"","type":"address"}]}
]`,
}

// ERC20MetaData contains the ERC20 metadata getters.
var ERC20MetaData = &bind.MetaData{
	ABI: `[
	{"name":"name","type":"function","stateMutability":"view","inputs":[],
		"outputs":[{"internalType":"string","name":"","type":"string"}]},
	{"name":"symbol","type":"function","stateMutability":"view","inputs":[],
		"outputs":[{"internalType":"string","name":"","type":"string"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],
		"outputs":[{"internalType":"uint8","name":"","type":"uint8"}]}
]`,
}
