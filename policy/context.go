package policy

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ruteri/threshold-seal/interfaces"
)

// MethodName is the policy entry point every namespace contract implements.
const MethodName = "sealApprove"

const sealApproveABI = `[{
	"type": "function",
	"name": "sealApprove",
	"stateMutability": "view",
	"inputs": [{"name": "id", "type": "bytes"}, {"name": "args", "type": "bytes"}],
	"outputs": [{"name": "", "type": "bool"}]
}]`

// ABI is the parsed sealApprove interface.
var ABI = mustParseABI(sealApproveABI)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("invalid policy abi: %v", err))
	}
	return parsed
}

// NewContext builds the context for identity at blockNumber. args is passed
// to the policy contract unchanged. blockNumber must be a concrete block:
// every key server has to evaluate the same state.
func NewContext(identity interfaces.Identity, args []byte, blockNumber uint64) (interfaces.PolicyContext, error) {
	if err := identity.Validate(); err != nil {
		return interfaces.PolicyContext{}, err
	}
	if blockNumber == 0 {
		return interfaces.PolicyContext{}, fmt.Errorf("%w: policy context must pin a block", interfaces.ErrInvalidRequest)
	}
	if args == nil {
		args = []byte{}
	}

	callData, err := ABI.Pack(MethodName, identity.InnerID(), args)
	if err != nil {
		return interfaces.PolicyContext{}, fmt.Errorf("could not pack %s call: %w", MethodName, err)
	}

	return interfaces.PolicyContext{
		Target:      identity.Namespace(),
		CallData:    callData,
		BlockNumber: blockNumber,
	}, nil
}

// DecodeCall returns the id and args encoded in a sealApprove calldata.
func DecodeCall(callData []byte) (id []byte, args []byte, err error) {
	if len(callData) < 4 {
		return nil, nil, fmt.Errorf("calldata too short (%d bytes)", len(callData))
	}
	method, err := ABI.MethodById(callData[:4])
	if err != nil {
		return nil, nil, err
	}
	if method.Name != MethodName {
		return nil, nil, fmt.Errorf("unexpected method %q", method.Name)
	}

	values, err := method.Inputs.Unpack(callData[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("could not decode %s arguments: %w", MethodName, err)
	}
	if len(values) != 2 {
		return nil, nil, fmt.Errorf("unexpected argument count %d", len(values))
	}
	id, okID := values[0].([]byte)
	args, okArgs := values[1].([]byte)
	if !okID || !okArgs {
		return nil, nil, fmt.Errorf("unexpected argument types")
	}
	return id, args, nil
}

// CheckContext verifies that pc is a sealApprove call on the identity's
// namespace about this very identity, pinned to a block.
func CheckContext(identity interfaces.Identity, pc interfaces.PolicyContext) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	if pc.BlockNumber == 0 {
		return fmt.Errorf("%w: policy context does not pin a block", interfaces.ErrUnauthorized)
	}
	if !pc.Target.Equal(identity.Namespace()) {
		return fmt.Errorf("%w: policy target 0x%s is not namespace 0x%s", interfaces.ErrUnauthorized, pc.Target, identity.Namespace())
	}

	id, _, err := DecodeCall(pc.CallData)
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrUnauthorized, err)
	}
	if !bytes.Equal(id, identity.InnerID()) {
		return fmt.Errorf("%w: policy call is about a different id", interfaces.ErrUnauthorized)
	}
	return nil
}
