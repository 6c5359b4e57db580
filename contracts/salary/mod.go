// Package salary implements the confidential salary aggregator contract. It
// homomorphically folds encrypted submissions into a running encrypted sum
// without ever observing a plaintext, guards against duplicate submissions
// per identity, and lets a fixed HR admin grant itself the right to decrypt
// the result. The number of submissions is kept in the clear.
package salary

import (
	"encoding/json"

	"go.dedis.ch/dela"
	"go.dedis.ch/dela/core/access"
	"go.dedis.ch/dela/core/execution"
	"go.dedis.ch/dela/core/execution/native"
	"go.dedis.ch/dela/core/store"
	"golang.org/x/xerrors"

	"github.com/water4699/privote/evalue"
	"github.com/water4699/privote/gate"
)

// commands defines the commands of the salary contract. This interface helps
// in testing the contract.
type commands interface {
	submit(snap store.Snapshot, step execution.Step) error
	allowSum(snap store.Snapshot, step execution.Step) error
	allowAverage(snap store.Snapshot, step execution.Step) error
}

const (
	// ContractName is the name of the contract.
	ContractName = "github.com/water4699/privote.Salary"

	// ContractUID is the unique 4-byte identifier of the contract.
	ContractUID = "SLRY"

	// CiphertextArg is the argument's name in the transaction that contains
	// the encrypted salary to fold into the aggregate.
	CiphertextArg = "salary:ciphertext"

	// ProofArg is the argument's name in the transaction that contains the
	// proof binding the ciphertext to its submitter and this contract.
	ProofArg = "salary:proof"

	// CmdArg is the argument's name to indicate the kind of command we want
	// to run on the contract. Should be one of the Command type.
	CmdArg = "salary:command"

	// credentialAllCommand defines the credential command that is allowed to
	// perform all commands.
	credentialAllCommand = "all"
)

// Command defines a type of command for the salary contract
type Command string

const (
	// CmdSubmit defines the command to fold an encrypted salary into the
	// aggregate.
	CmdSubmit Command = "SUBMIT"

	// CmdAllowSum defines the command to grant the HR admin the right to
	// decrypt the encrypted sum.
	CmdAllowSum Command = "ALLOW_SUM"

	// CmdAllowAverage defines the command to grant the HR admin the right to
	// derive the average from the encrypted sum and the public count.
	CmdAllowAverage Command = "ALLOW_AVERAGE"
)

// Error messages returned to the callers. The state is never mutated on any
// of these paths.
const (
	errAlreadySubmitted = "already submitted"
	errOnlyAdmin        = "only the HR admin can grant decryption"
	errProofRejected    = "proof rejected"
	errEmptyAggregate   = "the aggregate is empty"
)

// aggregateKey is the storage key of the aggregate record.
var aggregateKey = []byte("aggregate")

// Aggregate is the state record of the confidential running sum. Sum is
// zero if and only if Count is zero, and Count equals the number of
// identities in Submitted.
type Aggregate struct {
	Sum       evalue.Value    `json:"sum"`
	Count     uint64          `json:"count"`
	Submitted map[string]bool `json:"submitted"`
}

// NewCreds creates new credentials for a salary contract execution.
func NewCreds() access.Credential {
	return access.NewContractCreds([]byte(ContractUID), ContractName, credentialAllCommand)
}

// RegisterContract registers the salary contract to the given execution
// service.
func RegisterContract(exec *native.Service, c Contract) {
	exec.Set(ContractName, c)
}

// Contract is the confidential salary aggregation smart contract.
//
// - implements native.Contract
type Contract struct {
	// access is the access control service managing this smart contract
	access access.Service

	// folder is the homomorphic engine combining encrypted submissions
	folder evalue.Folder

	// gate validates that a submission is bound to its submitter and to
	// this contract
	gate gate.Validator

	// admin is the text form of the only identity allowed to grant
	// decryption of the aggregate, fixed at construction time
	admin string

	// cmd provides the commands that can be executed by this smart contract
	cmd commands
}

// NewContract creates a new salary contract with the given HR admin.
func NewContract(srvc access.Service, folder evalue.Folder, validator gate.Validator,
	admin string) Contract {

	contract := Contract{
		access: srvc,
		folder: folder,
		gate:   validator,
		admin:  admin,
	}

	contract.cmd = salaryCommand{Contract: &contract}

	return contract
}

// Execute implements native.Contract. It runs the appropriate command.
func (c Contract) Execute(snap store.Snapshot, step execution.Step) error {
	creds := NewCreds()

	err := c.access.Match(snap, creds, step.Current.GetIdentity())
	if err != nil {
		return xerrors.Errorf("identity not authorized: %v (%v)",
			step.Current.GetIdentity(), err)
	}

	cmd := step.Current.GetArg(CmdArg)
	if len(cmd) == 0 {
		return xerrors.Errorf("'%s' not found in tx arg", CmdArg)
	}

	switch Command(cmd) {
	case CmdSubmit:
		err := c.cmd.submit(snap, step)
		if err != nil {
			return xerrors.Errorf("failed to SUBMIT: %v", err)
		}
	case CmdAllowSum:
		err := c.cmd.allowSum(snap, step)
		if err != nil {
			return xerrors.Errorf("failed to ALLOW_SUM: %v", err)
		}
	case CmdAllowAverage:
		err := c.cmd.allowAverage(snap, step)
		if err != nil {
			return xerrors.Errorf("failed to ALLOW_AVERAGE: %v", err)
		}
	default:
		return xerrors.Errorf("unknown command: %s", cmd)
	}

	return nil
}

// UID implements native.Contract. It returns the unique identifier of the
// contract.
func (c Contract) UID() string {
	return ContractUID
}

// GetAggregate returns the current aggregate record. A missing record is
// the fresh zero aggregate.
func GetAggregate(r store.Readable) (Aggregate, error) {
	return getAggregate(r)
}

// GetEncryptedSum returns the encrypted sum slot. The slot is zero until
// the first successful submission and its handle never reveals a plaintext.
func GetEncryptedSum(r store.Readable) (evalue.Value, error) {
	agg, err := getAggregate(r)
	if err != nil {
		return evalue.Value{}, err
	}

	return agg.Sum, nil
}

// GetCount returns the number of folded submissions. The count is public.
func GetCount(r store.Readable) (uint64, error) {
	agg, err := getAggregate(r)
	if err != nil {
		return 0, err
	}

	return agg.Count, nil
}

// HasSubmitted returns true when the identity already contributed to the
// aggregate.
func HasSubmitted(r store.Readable, identity string) (bool, error) {
	agg, err := getAggregate(r)
	if err != nil {
		return false, err
	}

	return agg.Submitted[identity], nil
}

// salaryCommand implements the commands of the salary contract
//
// - implements commands
type salaryCommand struct {
	*Contract
}

// submit implements commands. It performs the SUBMIT command. The replay
// guard is checked before the proof so that a duplicate submission fails
// without invoking the gate, and nothing is written on any failure path.
func (c salaryCommand) submit(snap store.Snapshot, step execution.Step) error {
	ciphertext := step.Current.GetArg(CiphertextArg)
	if len(ciphertext) == 0 {
		return xerrors.Errorf("'%s' not found in tx arg", CiphertextArg)
	}

	proof := step.Current.GetArg(ProofArg)
	if len(proof) == 0 {
		return xerrors.Errorf("'%s' not found in tx arg", ProofArg)
	}

	submitter, err := identity(step)
	if err != nil {
		return err
	}

	agg, err := getAggregate(snap)
	if err != nil {
		return err
	}

	if agg.Submitted[submitter] {
		return xerrors.Errorf("%s: '%s'", errAlreadySubmitted, submitter)
	}

	err = c.gate.Validate(ciphertext, proof, []byte(submitter), []byte(ContractName))
	if err != nil {
		return xerrors.Errorf("%s: %v", errProofRejected, err)
	}

	sum, err := agg.Sum.Fold(c.folder, ciphertext)
	if err != nil {
		return err
	}

	agg.Sum = sum
	agg.Count++
	agg.Submitted[submitter] = true

	err = setAggregate(snap, agg)
	if err != nil {
		return err
	}

	dela.Logger.Info().Str("contract", ContractName).
		Msgf("folded submission from %s, count=%d", submitter, agg.Count)

	return nil
}

// allowSum implements commands. It performs the ALLOW_SUM command.
func (c salaryCommand) allowSum(snap store.Snapshot, step execution.Step) error {
	return c.allow(snap, step)
}

// allowAverage implements commands. It performs the ALLOW_AVERAGE command.
// The average itself is derived off-ledger from the decrypted sum and the
// public count, so the grant covers the same handle as ALLOW_SUM.
func (c salaryCommand) allowAverage(snap store.Snapshot, step execution.Step) error {
	return c.allow(snap, step)
}

func (c salaryCommand) allow(snap store.Snapshot, step execution.Step) error {
	caller, err := identity(step)
	if err != nil {
		return err
	}

	if caller != c.admin {
		return xerrors.Errorf("%s: '%s'", errOnlyAdmin, caller)
	}

	agg, err := getAggregate(snap)
	if err != nil {
		return err
	}

	if agg.Sum.IsZero() {
		return xerrors.New(errEmptyAggregate)
	}

	agg.Sum.Grant(c.admin)

	err = evalue.WriteAccess(snap, agg.Sum)
	if err != nil {
		return err
	}

	err = setAggregate(snap, agg)
	if err != nil {
		return err
	}

	dela.Logger.Info().Str("contract", ContractName).
		Msgf("granted decryption of the sum to %s", c.admin)

	return nil
}

func getAggregate(r store.Readable) (Aggregate, error) {
	data, err := r.Get(aggregateKey)
	if err != nil {
		return Aggregate{}, xerrors.Errorf("failed to get aggregate: %v", err)
	}

	agg := Aggregate{Submitted: map[string]bool{}}

	if len(data) == 0 {
		return agg, nil
	}

	err = json.Unmarshal(data, &agg)
	if err != nil {
		return Aggregate{}, xerrors.Errorf("failed to unmarshal aggregate: %v", err)
	}

	if agg.Submitted == nil {
		agg.Submitted = map[string]bool{}
	}

	return agg, nil
}

func setAggregate(snap store.Snapshot, agg Aggregate) error {
	data, err := json.Marshal(agg)
	if err != nil {
		return xerrors.Errorf("failed to marshal aggregate: %v", err)
	}

	err = snap.Set(aggregateKey, data)
	if err != nil {
		return xerrors.Errorf("failed to set aggregate: %v", err)
	}

	return nil
}

// identity returns the text form of the transaction's signing identity.
func identity(step execution.Step) (string, error) {
	text, err := step.Current.GetIdentity().MarshalText()
	if err != nil {
		return "", xerrors.Errorf("failed to marshal identity: %v", err)
	}

	return string(text), nil
}
