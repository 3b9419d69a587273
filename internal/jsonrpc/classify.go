package jsonrpc

// Kind classifies a JSON-RPC method as safe to retry against a
// different upstream, or not.
type Kind int

const (
	// Write is the conservative default: state-changing, or unknown,
	// methods must never be sent to more than one upstream even if the
	// first upstream times out (§4.6 step 2).
	Write Kind = iota
	// Read is an idempotent method explicitly allow-listed as safe to
	// retry on a different upstream after a transient failure.
	Read
)

func (k Kind) String() string {
	if k == Read {
		return "read"
	}
	return "write"
}

// Classifier decides Read vs Write by method name against a
// configurable allow-list, mirroring the teacher's chain-type-keyed
// configuration pattern generalized to a simple method set (§4.6 step
// 2: "classification is by JSON-RPC method name against a known list;
// unknown methods are treated as writes").
type Classifier struct {
	readMethods map[string]struct{}
}

// defaultReadMethods lists method names common across JSON-RPC
// blockchain APIs (Ethereum-style "eth_get*"/"eth_call", Cosmos/Tendermint
// "status"/"abci_query") that are pure reads and therefore safe to retry.
// Names are matched exactly; there is no prefix or pattern matching.
// Callers extend this list via NewClassifier's extra methods; nothing
// outside the resulting list is ever retried.
var defaultReadMethods = []string{
	"eth_call",
	"eth_getBalance",
	"eth_getBlockByHash",
	"eth_getBlockByNumber",
	"eth_getCode",
	"eth_getLogs",
	"eth_getStorageAt",
	"eth_getTransactionByHash",
	"eth_getTransactionCount",
	"eth_getTransactionReceipt",
	"eth_blockNumber",
	"eth_chainId",
	"eth_gasPrice",
	"net_version",
	"net_peerCount",
	"net_listening",
	"web3_clientVersion",
	"status",
	"health",
	"abci_info",
	"abci_query",
	"block",
	"block_results",
	"validators",
	"genesis",
}

// NewClassifier builds a Classifier from the default read-only method
// set plus any extra methods supplied (e.g. chain-specific additions
// from configuration).
func NewClassifier(extraReadMethods ...string) *Classifier {
	c := &Classifier{readMethods: make(map[string]struct{}, len(defaultReadMethods)+len(extraReadMethods))}
	for _, m := range defaultReadMethods {
		c.readMethods[m] = struct{}{}
	}
	for _, m := range extraReadMethods {
		c.readMethods[m] = struct{}{}
	}
	return c
}

// Classify returns Read only for methods on the allow-list; every other
// method, including anything the classifier has never heard of, is
// Write.
func (c *Classifier) Classify(method string) Kind {
	if _, ok := c.readMethods[method]; ok {
		return Read
	}
	return Write
}
