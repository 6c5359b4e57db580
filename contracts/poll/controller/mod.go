// Package controller implements a minimal controller for the poll
// contract.
//
// The homomorphic engine and the proof validator are expected in the
// injector, put there by whichever controller ran the key ceremony. The
// poll admin is the identity of the node's signer.
package controller

import (
	"encoding"

	"go.dedis.ch/dela/cli"
	"go.dedis.ch/dela/cli/node"
	"go.dedis.ch/dela/core/access"
	"go.dedis.ch/dela/core/execution/native"
	"go.dedis.ch/dela/crypto"
	"golang.org/x/xerrors"

	"github.com/water4699/privote/contracts/poll"
	"github.com/water4699/privote/evalue"
	"github.com/water4699/privote/gate"
)

// miniController is a CLI initializer to register the poll contract
//
// - implements node.Initializer
type miniController struct {
}

// NewController creates a new minimal controller for the poll contract.
func NewController() node.Initializer {
	return miniController{}
}

// SetCommands implements node.Initializer.
func (miniController) SetCommands(builder node.Builder) {
}

// OnStart implements node.Initializer. It registers the poll contract.
func (m miniController) OnStart(flags cli.Flags, inj node.Injector) error {
	var access access.Service
	err := inj.Resolve(&access)
	if err != nil {
		return xerrors.Errorf("failed to resolve access service: %v", err)
	}

	var exec *native.Service
	err = inj.Resolve(&exec)
	if err != nil {
		return xerrors.Errorf("failed to resolve native service: %v", err)
	}

	var folder evalue.Folder
	err = inj.Resolve(&folder)
	if err != nil {
		return xerrors.Errorf("failed to resolve folder: %v", err)
	}

	var validator gate.Validator
	err = inj.Resolve(&validator)
	if err != nil {
		return xerrors.Errorf("failed to resolve validator: %v", err)
	}

	var signer crypto.Signer
	err = inj.Resolve(&signer)
	if err != nil {
		return xerrors.Errorf("failed to resolve signer: %v", err)
	}

	admin, err := identityText(signer.GetPublicKey())
	if err != nil {
		return xerrors.Errorf("failed to read admin identity: %v", err)
	}

	contract := poll.NewContract(access, folder, validator, admin)

	poll.RegisterContract(exec, contract)

	return nil
}

// OnStop implements node.Initializer.
func (miniController) OnStop(inj node.Injector) error {
	return nil
}

func identityText(pk crypto.PublicKey) (string, error) {
	marshaler, ok := pk.(encoding.TextMarshaler)
	if !ok {
		return "", xerrors.Errorf("public key of type '%T' has no text form", pk)
	}

	text, err := marshaler.MarshalText()
	if err != nil {
		return "", xerrors.Errorf("failed to marshal public key: %v", err)
	}

	return string(text), nil
}
