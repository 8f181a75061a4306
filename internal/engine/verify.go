package engine

import (
	"context"
	"os"

	"github.com/daviddfraser-source/control-plane/internal/dcl"
	"github.com/daviddfraser-source/control-plane/internal/state"
)

// Verification glue: the DCL store checks chains against the governed
// runtime state the engine feeds it.

// Verify recomputes one packet's commit chain and its binding to current
// runtime state.
func (e Engine) Verify(ctx context.Context, packetID string) error {
	if _, err := e.Definition.Packet(packetID); err != nil {
		return err
	}
	doc, err := e.Snapshot()
	if err != nil {
		return err
	}
	return e.DCL.VerifyPacket(packetID, state.GovernedPacket(doc.Packet(packetID)))
}

// VerifyAll checks every commit chain, the latest checkpoint, and each
// chain's binding to current runtime state.
func (e Engine) VerifyAll(ctx context.Context) []error {
	doc, err := e.Snapshot()
	if err != nil {
		return []error{err}
	}
	return e.DCL.VerifyAll(e.governedStates(doc))
}

func (e Engine) governedStates(doc *state.Document) map[string]any {
	states := map[string]any{}
	for id := range doc.Packets {
		states[id] = state.GovernedPacket(doc.Packet(id))
	}
	return states
}

// ExportProof writes the packet's sealed proof bundle to outPath.
func (e Engine) ExportProof(ctx context.Context, packetID, outPath string) (dcl.ProofManifest, error) {
	def, err := e.Definition.Packet(packetID)
	if err != nil {
		return dcl.ProofManifest{}, err
	}
	doc, err := e.Snapshot()
	if err != nil {
		return dcl.ProofManifest{}, err
	}
	constitution, err := os.ReadFile(ConstitutionPath(e.Root))
	if err != nil && !os.IsNotExist(err) {
		return dcl.ProofManifest{}, err
	}
	return e.DCL.ExportProof(dcl.ProofInput{
		PacketID:     packetID,
		Definition:   def,
		RuntimeState: state.GovernedPacket(doc.Packet(packetID)),
		Constitution: constitution,
		CreatedAt:    e.now(),
	}, outPath)
}

// Checkpoint snapshots every packet HEAD into a new project checkpoint.
// Taken under the state lock so no transition lands mid-snapshot.
func (e Engine) Checkpoint(ctx context.Context) (dcl.Checkpoint, error) {
	var cp dcl.Checkpoint
	err := e.withLocks(ctx, nil, func() error {
		var err error
		cp, err = e.DCL.WriteCheckpoint(e.now())
		return err
	})
	return cp, err
}
