// Package poll implements the confidential multi-option poll contract.
// Anyone can create a poll; voters submit one encrypted ballot per poll,
// which is homomorphically folded into the counter of the chosen option,
// and a fixed admin identity grants itself decryption of each option
// counter individually.
//
// The contract never inspects the encrypted magnitude of a ballot: by
// convention a ballot encrypts a single vote, but binding it to a unit
// value is the submitter's and the proof layer's concern.
package poll

import (
	"encoding/json"
	"fmt"

	"go.dedis.ch/dela"
	"go.dedis.ch/dela/core/access"
	"go.dedis.ch/dela/core/execution"
	"go.dedis.ch/dela/core/execution/native"
	"go.dedis.ch/dela/core/store"
	"golang.org/x/xerrors"

	"github.com/water4699/privote/evalue"
	"github.com/water4699/privote/gate"
)

// commands defines the commands of the poll contract. This interface helps
// in testing the contract.
type commands interface {
	createPoll(snap store.Snapshot, step execution.Step) error
	castVote(snap store.Snapshot, step execution.Step) error
	allowDecrypt(snap store.Snapshot, step execution.Step) error
}

const (
	// ContractName is the name of the contract.
	ContractName = "github.com/water4699/privote.Poll"

	// ContractUID is the unique 4-byte identifier of the contract.
	ContractUID = "POLL"

	// CreatePollArg is the argument's name in the transaction that contains
	// the JSON encoded CreatePollTransaction.
	CreatePollArg = "poll:create"

	// CastVoteArg is the argument's name in the transaction that contains
	// the JSON encoded CastVoteTransaction.
	CastVoteArg = "poll:cast_vote"

	// AllowDecryptArg is the argument's name in the transaction that
	// contains the JSON encoded AllowDecryptTransaction.
	AllowDecryptArg = "poll:allow_decrypt"

	// CmdArg is the argument's name to indicate the kind of command we want
	// to run on the contract. Should be one of the Command type.
	CmdArg = "poll:command"

	// credentialAllCommand defines the credential command that is allowed to
	// perform all commands.
	credentialAllCommand = "all"
)

// Command defines a type of command for the poll contract
type Command string

const (
	// CmdCreatePoll defines the command to create a new poll.
	CmdCreatePoll Command = "CREATE_POLL"

	// CmdCastVote defines the command to fold an encrypted ballot into an
	// option counter.
	CmdCastVote Command = "CAST_VOTE"

	// CmdAllowDecrypt defines the command to grant the admin the right to
	// decrypt one option counter.
	CmdAllowDecrypt Command = "ALLOW_DECRYPT"
)

// Error messages returned to the callers. The state is never mutated on any
// of these paths.
const (
	errAlreadyVoted  = "already voted"
	errOnlyAdmin     = "only the admin can grant decryption"
	errProofRejected = "proof rejected"
	errNoSuchPoll    = "no such poll"
	errNoSuchOption  = "no such option"
	errNoOptions     = "a poll needs at least one option"
	errEmptyCounter  = "the option counter is empty"
)

// pollsCountKey is the storage key of the number of polls created so far.
var pollsCountKey = []byte("polls:count")

// CreatePollTransaction is the payload of the CREATE_POLL command.
type CreatePollTransaction struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Options     []string `json:"options"`
}

// CastVoteTransaction is the payload of the CAST_VOTE command. The
// ciphertext is expected to encrypt a single vote for the option.
type CastVoteTransaction struct {
	Poll       uint64 `json:"poll"`
	Option     uint32 `json:"option"`
	Ciphertext []byte `json:"ciphertext"`
	Proof      []byte `json:"proof"`
}

// AllowDecryptTransaction is the payload of the ALLOW_DECRYPT command.
type AllowDecryptTransaction struct {
	Poll   uint64 `json:"poll"`
	Option uint32 `json:"option"`
}

// Poll is the state record of one poll. Option counters start at the zero
// slot and are replaced by a new handle at every folded ballot. Voters maps
// the identities that already voted in this poll, independently of any
// other poll.
type Poll struct {
	ID          uint64          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Options     []string        `json:"options"`
	Active      bool            `json:"active"`
	TotalVotes  uint64          `json:"totalVotes"`
	VoteCounts  []evalue.Value  `json:"voteCounts"`
	Voters      map[string]bool `json:"voters"`
}

// Info is the public projection of a poll record.
type Info struct {
	Title       string
	Description string
	Active      bool
	OptionCount int
	TotalVotes  uint64
}

// NewCreds creates new credentials for a poll contract execution.
func NewCreds() access.Credential {
	return access.NewContractCreds([]byte(ContractUID), ContractName, credentialAllCommand)
}

// RegisterContract registers the poll contract to the given execution
// service.
func RegisterContract(exec *native.Service, c Contract) {
	exec.Set(ContractName, c)
}

// Contract is the confidential poll smart contract.
//
// - implements native.Contract
type Contract struct {
	// access is the access control service managing this smart contract
	access access.Service

	// folder is the homomorphic engine combining encrypted ballots
	folder evalue.Folder

	// gate validates that a ballot is bound to its voter and to this
	// contract
	gate gate.Validator

	// admin is the text form of the only identity allowed to grant
	// decryption of the option counters, fixed at construction time
	admin string

	// cmd provides the commands that can be executed by this smart contract
	cmd commands
}

// NewContract creates a new poll contract with the given admin.
func NewContract(srvc access.Service, folder evalue.Folder, validator gate.Validator,
	admin string) Contract {

	contract := Contract{
		access: srvc,
		folder: folder,
		gate:   validator,
		admin:  admin,
	}

	contract.cmd = pollCommand{Contract: &contract}

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
	case CmdCreatePoll:
		err := c.cmd.createPoll(snap, step)
		if err != nil {
			return xerrors.Errorf("failed to CREATE_POLL: %v", err)
		}
	case CmdCastVote:
		err := c.cmd.castVote(snap, step)
		if err != nil {
			return xerrors.Errorf("failed to CAST_VOTE: %v", err)
		}
	case CmdAllowDecrypt:
		err := c.cmd.allowDecrypt(snap, step)
		if err != nil {
			return xerrors.Errorf("failed to ALLOW_DECRYPT: %v", err)
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

// GetPollCount returns the number of polls created so far. Poll identifiers
// are sequential from 0 and never reused.
func GetPollCount(r store.Readable) (uint64, error) {
	data, err := r.Get(pollsCountKey)
	if err != nil {
		return 0, xerrors.Errorf("failed to get poll count: %v", err)
	}

	if len(data) == 0 {
		return 0, nil
	}

	var count uint64

	err = json.Unmarshal(data, &count)
	if err != nil {
		return 0, xerrors.Errorf("failed to unmarshal poll count: %v", err)
	}

	return count, nil
}

// GetPoll returns the poll record of the identifier.
func GetPoll(r store.Readable, id uint64) (Poll, error) {
	data, err := r.Get(pollKey(id))
	if err != nil {
		return Poll{}, xerrors.Errorf("failed to get poll: %v", err)
	}

	if len(data) == 0 {
		return Poll{}, xerrors.Errorf("%s: %d", errNoSuchPoll, id)
	}

	poll := Poll{}

	err = json.Unmarshal(data, &poll)
	if err != nil {
		return Poll{}, xerrors.Errorf("failed to unmarshal poll: %v", err)
	}

	if poll.Voters == nil {
		poll.Voters = map[string]bool{}
	}

	return poll, nil
}

// GetPollInfo returns the public projection of the poll record.
func GetPollInfo(r store.Readable, id uint64) (Info, error) {
	poll, err := GetPoll(r, id)
	if err != nil {
		return Info{}, err
	}

	return Info{
		Title:       poll.Title,
		Description: poll.Description,
		Active:      poll.Active,
		OptionCount: len(poll.Options),
		TotalVotes:  poll.TotalVotes,
	}, nil
}

// GetEncryptedVoteCount returns the encrypted counter of the option. The
// counter is zero until a first ballot lands on the option.
func GetEncryptedVoteCount(r store.Readable, id uint64, option uint32) (evalue.Value, error) {
	poll, err := GetPoll(r, id)
	if err != nil {
		return evalue.Value{}, err
	}

	if int(option) >= len(poll.Options) {
		return evalue.Value{}, xerrors.Errorf("%s: %d", errNoSuchOption, option)
	}

	return poll.VoteCounts[option], nil
}

// GetOptionDescription returns the text of the option.
func GetOptionDescription(r store.Readable, id uint64, option uint32) (string, error) {
	poll, err := GetPoll(r, id)
	if err != nil {
		return "", err
	}

	if int(option) >= len(poll.Options) {
		return "", xerrors.Errorf("%s: %d", errNoSuchOption, option)
	}

	return poll.Options[option], nil
}

// HasVoted returns true when the identity already voted in the poll.
func HasVoted(r store.Readable, id uint64, identity string) (bool, error) {
	poll, err := GetPoll(r, id)
	if err != nil {
		return false, err
	}

	return poll.Voters[identity], nil
}

// pollCommand implements the commands of the poll contract
//
// - implements commands
type pollCommand struct {
	*Contract
}

// createPoll implements commands. It performs the CREATE_POLL command. Any
// identity may create a poll.
func (c pollCommand) createPoll(snap store.Snapshot, step execution.Step) error {
	data := step.Current.GetArg(CreatePollArg)
	if len(data) == 0 {
		return xerrors.Errorf("'%s' not found in tx arg", CreatePollArg)
	}

	tx := CreatePollTransaction{}

	err := json.Unmarshal(data, &tx)
	if err != nil {
		return xerrors.Errorf("failed to unmarshal transaction: %v", err)
	}

	if len(tx.Options) == 0 {
		return xerrors.New(errNoOptions)
	}

	id, err := GetPollCount(snap)
	if err != nil {
		return err
	}

	poll := Poll{
		ID:          id,
		Title:       tx.Title,
		Description: tx.Description,
		Options:     tx.Options,
		Active:      true,
		VoteCounts:  make([]evalue.Value, len(tx.Options)),
		Voters:      map[string]bool{},
	}

	err = setPoll(snap, poll)
	if err != nil {
		return err
	}

	count, err := json.Marshal(id + 1)
	if err != nil {
		return xerrors.Errorf("failed to marshal poll count: %v", err)
	}

	err = snap.Set(pollsCountKey, count)
	if err != nil {
		return xerrors.Errorf("failed to set poll count: %v", err)
	}

	dela.Logger.Info().Str("contract", ContractName).
		Msgf("created poll %d '%s' with %d options", id, tx.Title, len(tx.Options))

	return nil
}

// castVote implements commands. It performs the CAST_VOTE command. The
// checks run in a fixed order, poll then option then replay guard then
// proof, and the first failure wins without any mutation.
func (c pollCommand) castVote(snap store.Snapshot, step execution.Step) error {
	data := step.Current.GetArg(CastVoteArg)
	if len(data) == 0 {
		return xerrors.Errorf("'%s' not found in tx arg", CastVoteArg)
	}

	tx := CastVoteTransaction{}

	err := json.Unmarshal(data, &tx)
	if err != nil {
		return xerrors.Errorf("failed to unmarshal transaction: %v", err)
	}

	voter, err := identity(step)
	if err != nil {
		return err
	}

	poll, err := GetPoll(snap, tx.Poll)
	if err != nil {
		return err
	}

	if int(tx.Option) >= len(poll.Options) {
		return xerrors.Errorf("%s: %d", errNoSuchOption, tx.Option)
	}

	if poll.Voters[voter] {
		return xerrors.Errorf("%s: '%s'", errAlreadyVoted, voter)
	}

	err = c.gate.Validate(tx.Ciphertext, tx.Proof, []byte(voter), []byte(ContractName))
	if err != nil {
		return xerrors.Errorf("%s: %v", errProofRejected, err)
	}

	counter, err := poll.VoteCounts[tx.Option].Fold(c.folder, tx.Ciphertext)
	if err != nil {
		return err
	}

	poll.VoteCounts[tx.Option] = counter
	poll.Voters[voter] = true
	poll.TotalVotes++

	err = setPoll(snap, poll)
	if err != nil {
		return err
	}

	dela.Logger.Info().Str("contract", ContractName).
		Msgf("folded ballot from %s into poll %d, totalVotes=%d",
			voter, poll.ID, poll.TotalVotes)

	return nil
}

// allowDecrypt implements commands. It performs the ALLOW_DECRYPT command.
// The grant is per option: the admin must grant each counter individually
// before it becomes decryptable.
func (c pollCommand) allowDecrypt(snap store.Snapshot, step execution.Step) error {
	data := step.Current.GetArg(AllowDecryptArg)
	if len(data) == 0 {
		return xerrors.Errorf("'%s' not found in tx arg", AllowDecryptArg)
	}

	tx := AllowDecryptTransaction{}

	err := json.Unmarshal(data, &tx)
	if err != nil {
		return xerrors.Errorf("failed to unmarshal transaction: %v", err)
	}

	caller, err := identity(step)
	if err != nil {
		return err
	}

	if caller != c.admin {
		return xerrors.Errorf("%s: '%s'", errOnlyAdmin, caller)
	}

	poll, err := GetPoll(snap, tx.Poll)
	if err != nil {
		return err
	}

	if int(tx.Option) >= len(poll.Options) {
		return xerrors.Errorf("%s: %d", errNoSuchOption, tx.Option)
	}

	if poll.VoteCounts[tx.Option].IsZero() {
		return xerrors.New(errEmptyCounter)
	}

	poll.VoteCounts[tx.Option].Grant(c.admin)

	err = evalue.WriteAccess(snap, poll.VoteCounts[tx.Option])
	if err != nil {
		return err
	}

	err = setPoll(snap, poll)
	if err != nil {
		return err
	}

	dela.Logger.Info().Str("contract", ContractName).
		Msgf("granted decryption of poll %d option %d to %s", tx.Poll, tx.Option, c.admin)

	return nil
}

func pollKey(id uint64) []byte {
	return []byte(fmt.Sprintf("polls:%d", id))
}

func setPoll(snap store.Snapshot, poll Poll) error {
	data, err := json.Marshal(poll)
	if err != nil {
		return xerrors.Errorf("failed to marshal poll: %v", err)
	}

	err = snap.Set(pollKey(poll.ID), data)
	if err != nil {
		return xerrors.Errorf("failed to set poll: %v", err)
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
