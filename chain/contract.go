package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// LoanEventABI covers every event the DomaLend contract emits. All fields are
// non-indexed so a single data blob carries them in declaration order.
const LoanEventABI = `[
	{"anonymous":false,"inputs":[{"internalType":"uint256","name":"loanId","type":"uint256"},{"internalType":"address","name":"lender","type":"address"},{"internalType":"address","name":"tokenAddress","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"uint256","name":"interestRate","type":"uint256"},{"internalType":"uint256","name":"duration","type":"uint256"},{"internalType":"address","name":"collateralAddress","type":"address"},{"internalType":"uint256","name":"collateralAmount","type":"uint256"},{"internalType":"uint256","name":"minCollateralRatioBPS","type":"uint256"},{"internalType":"uint256","name":"liquidationThresholdBPS","type":"uint256"},{"internalType":"uint256","name":"maxPriceStaleness","type":"uint256"}],"name":"LoanCreated","type":"event"},
	{"anonymous":false,"inputs":[{"internalType":"uint256","name":"loanId","type":"uint256"},{"internalType":"address","name":"borrower","type":"address"},{"internalType":"uint256","name":"initialCollateralRatio","type":"uint256"}],"name":"LoanAccepted","type":"event"},
	{"anonymous":false,"inputs":[{"internalType":"uint256","name":"loanId","type":"uint256"},{"internalType":"address","name":"borrower","type":"address"},{"internalType":"uint256","name":"repaymentAmount","type":"uint256"}],"name":"LoanRepaid","type":"event"},
	{"anonymous":false,"inputs":[{"internalType":"uint256","name":"loanId","type":"uint256"},{"internalType":"address","name":"liquidator","type":"address"},{"internalType":"uint256","name":"collateralClaimedByLender","type":"uint256"},{"internalType":"uint256","name":"liquidatorReward","type":"uint256"}],"name":"LoanLiquidated","type":"event"},
	{"anonymous":false,"inputs":[{"internalType":"uint256","name":"loanId","type":"uint256"},{"internalType":"address","name":"lender","type":"address"}],"name":"LoanOfferCancelled","type":"event"},
	{"anonymous":false,"inputs":[{"internalType":"uint256","name":"loanId","type":"uint256"},{"internalType":"string","name":"reason","type":"string"}],"name":"LoanOfferRemoved","type":"event"},
	{"anonymous":false,"inputs":[{"internalType":"address","name":"newOracleAddress","type":"address"}],"name":"OracleAddressSet","type":"event"}
]`

// OracleABI is the DomaRank oracle surface: the owner-only price write and
// the public price read. Prices are wei-denominated USD (18 decimals).
const OracleABI = `[
	{"inputs":[{"internalType":"address","name":"tokenAddress","type":"address"},{"internalType":"uint256","name":"value","type":"uint256"}],"name":"updateTokenValue","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"address","name":"tokenAddress","type":"address"}],"name":"getTokenValue","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var (
	loanABI   abi.ABI
	oracleABI abi.ABI
)

func init() {
	var err error
	loanABI, err = abi.JSON(strings.NewReader(LoanEventABI))
	if err != nil {
		panic("chain: invalid loan event ABI: " + err.Error())
	}
	oracleABI, err = abi.JSON(strings.NewReader(OracleABI))
	if err != nil {
		panic("chain: invalid oracle ABI: " + err.Error())
	}
}

// LoanABI returns the parsed DomaLend event ABI.
func LoanABI() abi.ABI {
	return loanABI
}

// EventTopic returns the topic hash for a named DomaLend event. Unknown
// names return the zero hash.
func EventTopic(name string) common.Hash {
	ev, ok := loanABI.Events[name]
	if !ok {
		return common.Hash{}
	}
	return ev.ID
}

// EventNameByTopic resolves a log's topic[0] to the DomaLend event name.
func EventNameByTopic(topic common.Hash) (string, bool) {
	ev, err := loanABI.EventByID(topic)
	if err != nil {
		return "", false
	}
	return ev.Name, true
}
