package salary

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/dela/core/access"
	"go.dedis.ch/dela/core/execution"
	"go.dedis.ch/dela/core/execution/native"
	"go.dedis.ch/dela/core/store"
	"go.dedis.ch/dela/core/store/prefixed"
	"go.dedis.ch/dela/core/txn/signed"
	"go.dedis.ch/dela/crypto"
	"go.dedis.ch/dela/crypto/ed25519"
	"go.dedis.ch/dela/testing/fake"

	"github.com/water4699/privote/crypto/elgamal"
	"github.com/water4699/privote/evalue"
	"github.com/water4699/privote/gate"
	"github.com/water4699/privote/reveal"
)

func TestExecute(t *testing.T) {
	contract := NewContract(fakeAccess{err: fake.GetError()}, fakeFolder{}, fakeGate{}, "admin")

	err := contract.Execute(fakeStore{}, makeStep(t, fake.PublicKey{}))
	require.EqualError(t, err,
		"identity not authorized: fake.PublicKey ("+fake.GetError().Error()+")")

	contract = NewContract(fakeAccess{}, fakeFolder{}, fakeGate{}, "admin")
	err = contract.Execute(fakeStore{}, makeStep(t, fake.PublicKey{}))
	require.EqualError(t, err, "'salary:command' not found in tx arg")

	contract.cmd = fakeCmd{err: fake.GetError()}

	err = contract.Execute(fakeStore{}, makeStep(t, fake.PublicKey{},
		signed.WithArg(CmdArg, []byte(CmdSubmit))))
	require.EqualError(t, err, fake.Err("failed to SUBMIT"))

	err = contract.Execute(fakeStore{}, makeStep(t, fake.PublicKey{},
		signed.WithArg(CmdArg, []byte(CmdAllowSum))))
	require.EqualError(t, err, fake.Err("failed to ALLOW_SUM"))

	err = contract.Execute(fakeStore{}, makeStep(t, fake.PublicKey{},
		signed.WithArg(CmdArg, []byte(CmdAllowAverage))))
	require.EqualError(t, err, fake.Err("failed to ALLOW_AVERAGE"))

	err = contract.Execute(fakeStore{}, makeStep(t, fake.PublicKey{},
		signed.WithArg(CmdArg, []byte("fake"))))
	require.EqualError(t, err, "unknown command: fake")

	contract.cmd = fakeCmd{}
	err = contract.Execute(fakeStore{}, makeStep(t, fake.PublicKey{},
		signed.WithArg(CmdArg, []byte(CmdSubmit))))
	require.NoError(t, err)

	require.Equal(t, ContractUID, contract.UID())
}

func TestCommand_Submit(t *testing.T) {
	alice := ed25519.NewSigner()

	contract := NewContract(fakeAccess{}, fakeFolder{}, fakeGate{}, "admin")

	cmd := salaryCommand{Contract: &contract}

	snap := prefixed.NewSnapshot(ContractUID, fake.NewSnapshot())

	err := cmd.submit(snap, makeStep(t, alice.GetPublicKey()))
	require.EqualError(t, err, "'salary:ciphertext' not found in tx arg")

	err = cmd.submit(snap, makeStep(t, alice.GetPublicKey(),
		signed.WithArg(CiphertextArg, []byte{0x01})))
	require.EqualError(t, err, "'salary:proof' not found in tx arg")

	badSnap := prefixed.NewSnapshot(ContractUID, fake.NewBadSnapshot())
	err = cmd.submit(badSnap, makeSubmit(t, alice, []byte{0x01}))
	require.EqualError(t, err, fake.Err("failed to get aggregate"))

	err = cmd.submit(snap, makeSubmit(t, alice, []byte{0x01}))
	require.NoError(t, err)

	agg, err := GetAggregate(snap)
	require.NoError(t, err)
	require.Equal(t, uint64(1), agg.Count)
	require.Equal(t, []byte{0x01}, agg.Sum.Handle)
	require.Len(t, agg.Submitted, 1)

	// a second submission from the same identity fails before any mutation
	err = cmd.submit(snap, makeSubmit(t, alice, []byte{0x02}))
	require.Error(t, err)
	require.Contains(t, err.Error(), errAlreadySubmitted)

	agg, err = GetAggregate(snap)
	require.NoError(t, err)
	require.Equal(t, uint64(1), agg.Count)
	require.Equal(t, []byte{0x01}, agg.Sum.Handle)

	// another identity folds into the same slot
	bob := ed25519.NewSigner()
	err = cmd.submit(snap, makeSubmit(t, bob, []byte{0x02}))
	require.NoError(t, err)

	agg, err = GetAggregate(snap)
	require.NoError(t, err)
	require.Equal(t, uint64(2), agg.Count)
	require.Equal(t, []byte{0x01, 0x02}, agg.Sum.Handle)
}

func TestCommand_Submit_Rejected(t *testing.T) {
	alice := ed25519.NewSigner()

	contract := NewContract(fakeAccess{}, fakeFolder{}, fakeGate{err: fake.GetError()}, "admin")

	cmd := salaryCommand{Contract: &contract}

	snap := prefixed.NewSnapshot(ContractUID, fake.NewSnapshot())

	err := cmd.submit(snap, makeSubmit(t, alice, []byte{0x01}))
	require.Error(t, err)
	require.Contains(t, err.Error(), errProofRejected)

	agg, err := GetAggregate(snap)
	require.NoError(t, err)
	require.Equal(t, uint64(0), agg.Count)
	require.True(t, agg.Sum.IsZero())

	contract = NewContract(fakeAccess{}, fakeFolder{err: fake.GetError()}, fakeGate{}, "admin")
	cmd = salaryCommand{Contract: &contract}

	err = cmd.submit(snap, makeSubmit(t, alice, []byte{0x01}))
	require.EqualError(t, err, fake.Err("failed to fold ciphertext"))
}

func TestCommand_Allow(t *testing.T) {
	admin := ed25519.NewSigner()
	adminText := text(t, admin.GetPublicKey())

	alice := ed25519.NewSigner()

	contract := NewContract(fakeAccess{}, fakeFolder{}, fakeGate{}, adminText)

	cmd := salaryCommand{Contract: &contract}

	snap := prefixed.NewSnapshot(ContractUID, fake.NewSnapshot())

	// only the admin may grant
	err := cmd.allowSum(snap, makeStep(t, alice.GetPublicKey()))
	require.Error(t, err)
	require.Contains(t, err.Error(), errOnlyAdmin)

	// the zero slot is never decryptable
	err = cmd.allowSum(snap, makeStep(t, admin.GetPublicKey()))
	require.EqualError(t, err, errEmptyAggregate)

	err = cmd.submit(snap, makeSubmit(t, alice, []byte{0x01}))
	require.NoError(t, err)

	err = cmd.allowSum(snap, makeStep(t, admin.GetPublicKey()))
	require.NoError(t, err)

	sum, err := GetEncryptedSum(snap)
	require.NoError(t, err)
	require.True(t, sum.Granted(adminText))

	access, err := evalue.ReadAccess(snap, sum.Handle)
	require.NoError(t, err)
	require.Equal(t, []string{adminText}, access)

	// granting twice does not duplicate the entry
	err = cmd.allowAverage(snap, makeStep(t, admin.GetPublicKey()))
	require.NoError(t, err)

	sum, err = GetEncryptedSum(snap)
	require.NoError(t, err)
	require.Len(t, sum.Access, 1)
}

func TestGetters(t *testing.T) {
	alice := ed25519.NewSigner()
	aliceText := text(t, alice.GetPublicKey())

	contract := NewContract(fakeAccess{}, fakeFolder{}, fakeGate{}, "admin")

	cmd := salaryCommand{Contract: &contract}

	snap := prefixed.NewSnapshot(ContractUID, fake.NewSnapshot())

	count, err := GetCount(snap)
	require.NoError(t, err)
	require.Equal(t, uint64(0), count)

	sum, err := GetEncryptedSum(snap)
	require.NoError(t, err)
	require.True(t, sum.IsZero())

	submitted, err := HasSubmitted(snap, aliceText)
	require.NoError(t, err)
	require.False(t, submitted)

	err = cmd.submit(snap, makeSubmit(t, alice, []byte{0x01}))
	require.NoError(t, err)

	count, err = GetCount(snap)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	submitted, err = HasSubmitted(snap, aliceText)
	require.NoError(t, err)
	require.True(t, submitted)

	badSnap := prefixed.NewSnapshot(ContractUID, fake.NewBadSnapshot())

	_, err = GetCount(badSnap)
	require.EqualError(t, err, fake.Err("failed to get aggregate"))

	snap = prefixed.NewSnapshot(ContractUID, fake.NewSnapshot())
	err = snap.Set(aggregateKey, []byte("garbage"))
	require.NoError(t, err)

	_, err = GetAggregate(snap)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to unmarshal aggregate")
}

// TestAggregation_EndToEnd exercises the whole flow with the real engine:
// two encrypted submissions, a grant by the HR admin, and the asynchronous
// reveal of the sum and the truncated average.
func TestAggregation_EndToEnd(t *testing.T) {
	secret, pub := elgamal.NewKeyPair()
	cipher := elgamal.NewCipher(pub)

	hr := ed25519.NewSigner()
	hrText := text(t, hr.GetPublicKey())

	contract := NewContract(fakeAccess{}, cipher, gate.Schnorr{}, hrText)

	snap := prefixed.NewSnapshot(ContractUID, fake.NewSnapshot())

	alice := ed25519.NewSigner()
	bob := ed25519.NewSigner()

	err := contract.Execute(snap, makeEncryptedSubmit(t, cipher, alice, 6000))
	require.NoError(t, err)

	err = contract.Execute(snap, makeEncryptedSubmit(t, cipher, bob, 9000))
	require.NoError(t, err)

	count, err := GetCount(snap)
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)

	// a non-admin cannot grant decryption
	err = contract.Execute(snap, makeStep(t, alice.GetPublicKey(),
		signed.WithArg(CmdArg, []byte(CmdAllowSum))))
	require.Error(t, err)

	err = contract.Execute(snap, makeStep(t, hr.GetPublicKey(),
		signed.WithArg(CmdArg, []byte(CmdAllowSum))))
	require.NoError(t, err)

	sum, err := GetEncryptedSum(snap)
	require.NoError(t, err)

	srvc := reveal.NewService(elgamal.NewDecrypter(secret), evalue.NewAccessReader(snap))
	defer srvc.Close()

	res := <-srvc.Decrypt(context.Background(), sum.Handle, hrText)
	require.NoError(t, res.Err)
	require.Equal(t, uint64(15000), res.Value)

	res = <-srvc.Average(context.Background(), sum.Handle, count, hrText)
	require.NoError(t, res.Err)
	require.Equal(t, uint64(7500), res.Value)

	// the submitters themselves are not in the access list
	res = <-srvc.Decrypt(context.Background(), sum.Handle, text(t, alice.GetPublicKey()))
	require.Error(t, res.Err)
}

func TestRegisterContract(t *testing.T) {
	RegisterContract(native.NewExecution(), Contract{})
}

// -----------------------------------------------------------------------------
// Utility functions

func makeStep(t *testing.T, ident crypto.PublicKey,
	opts ...signed.TransactionOption) execution.Step {

	tx, err := signed.NewTransaction(0, ident, opts...)
	require.NoError(t, err)

	return execution.Step{Current: tx}
}

func makeSubmit(t *testing.T, signer crypto.Signer, ciphertext []byte) execution.Step {
	return makeStep(t, signer.GetPublicKey(),
		signed.WithArg(CiphertextArg, ciphertext),
		signed.WithArg(ProofArg, []byte{0xff}))
}

func makeEncryptedSubmit(t *testing.T, cipher elgamal.Cipher, signer crypto.Signer,
	value uint64) execution.Step {

	ciphertext, err := cipher.Encrypt(value)
	require.NoError(t, err)

	proof, err := gate.Prove(signer, ciphertext, []byte(ContractName))
	require.NoError(t, err)

	return makeStep(t, signer.GetPublicKey(),
		signed.WithArg(CmdArg, []byte(CmdSubmit)),
		signed.WithArg(CiphertextArg, ciphertext),
		signed.WithArg(ProofArg, proof))
}

func text(t *testing.T, pk crypto.PublicKey) string {
	buf, err := pk.(ed25519.PublicKey).MarshalText()
	require.NoError(t, err)

	return string(buf)
}

type fakeAccess struct {
	access.Service

	err error
}

func (srvc fakeAccess) Match(store.Readable, access.Credential, ...access.Identity) error {
	return srvc.err
}

func (srvc fakeAccess) Grant(store.Snapshot, access.Credential, ...access.Identity) error {
	return srvc.err
}

type fakeStore struct {
	store.Snapshot
}

func (s fakeStore) Get(_ []byte) ([]byte, error) {
	return nil, nil
}

func (s fakeStore) Set(_, _ []byte) error {
	return nil
}

type fakeFolder struct {
	err error
}

func (f fakeFolder) Fold(a, b []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}

	return append(append([]byte{}, a...), b...), nil
}

type fakeGate struct {
	err error
}

func (g fakeGate) Validate(ciphertext, proof, submitter, context []byte) error {
	return g.err
}

type fakeCmd struct {
	err error
}

func (c fakeCmd) submit(_ store.Snapshot, _ execution.Step) error {
	return c.err
}

func (c fakeCmd) allowSum(_ store.Snapshot, _ execution.Step) error {
	return c.err
}

func (c fakeCmd) allowAverage(_ store.Snapshot, _ execution.Step) error {
	return c.err
}
