package governance

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// GnosisInput describes one argument of a Safe transaction builder call.
type GnosisInput struct {
	InternalType string `json:"internalType"`
	Name         string `json:"name"`
	Type         string `json:"type"`
}

// GnosisMethod is the contractMethod block of a Safe transaction builder entry.
type GnosisMethod struct {
	Inputs  []GnosisInput `json:"inputs"`
	Name    string        `json:"name"`
	Payable bool          `json:"payable"`
}

// GnosisTx is one entry of the Safe transaction builder batch.
type GnosisTx struct {
	To                   common.Address    `json:"to"`
	Value                string            `json:"value"`
	Data                 *string           `json:"data"`
	ContractMethod       GnosisMethod      `json:"contractMethod"`
	ContractInputsValues map[string]string `json:"contractInputsValues"`
}

// TransferGovernanceTx builds the Safe entry that calls transferGovernance(newGovernor) on target.
func TransferGovernanceTx(target, newGovernor common.Address) GnosisTx {
	return GnosisTx{
		To:    target,
		Value: "0",
		ContractMethod: GnosisMethod{
			Inputs: []GnosisInput{{InternalType: "address", Name: "_newGovernor", Type: "address"}},
			Name:   "transferGovernance",
		},
		ContractInputsValues: map[string]string{"_newGovernor": newGovernor.Hex()},
	}
}

// WriteGnosisBatch 将批量交易写入 for_gnosis_<network>_<时间戳>.json。
func WriteGnosisBatch(dir, networkName string, at time.Time, txs []GnosisTx) (string, error) {
	if txs == nil {
		txs = []GnosisTx{}
	}
	return writeJSON(dir, timestampedName("for_gnosis", networkName, at), txs)
}
