package anchor

import (
	"bytes"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"OpenProof-Chain/internal/ledger"
)

// Handler processes the Borsh-encoded arguments that follow the discriminator.
type Handler func(ic *ledger.InvokeContext, args *bin.Decoder) error

type route struct {
	name    string
	handler Handler
}

// Router dispatches instructions by discriminator and implements ledger.Program.
type Router struct {
	id     solana.PublicKey
	routes map[Discriminator]route
}

// NewRouter creates a router for the program at id.
func NewRouter(id solana.PublicKey) *Router {
	return &Router{id: id, routes: make(map[Discriminator]route)}
}

// Handle registers h under the snake_case instruction name.
func (r *Router) Handle(name string, h Handler) {
	r.routes[InstructionDiscriminator(name)] = route{name: bin.ToPascalCase(name), handler: h}
}

// ProgramID implements ledger.Program.
func (r *Router) ProgramID() solana.PublicKey {
	return r.id
}

// Process implements ledger.Program.
func (r *Router) Process(ic *ledger.InvokeContext, data []byte) error {
	if len(data) < DiscriminatorLength {
		return r.fail(ic, ErrInstructionFallbackNotFound)
	}
	var disc Discriminator
	copy(disc[:], data[:DiscriminatorLength])
	rt, ok := r.routes[disc]
	if !ok {
		return r.fail(ic, ErrInstructionFallbackNotFound)
	}
	ic.Log("Instruction: %s", rt.name)
	if err := rt.handler(ic, bin.NewBorshDecoder(data[DiscriminatorLength:])); err != nil {
		return r.fail(ic, err)
	}
	return nil
}

func (r *Router) fail(ic *ledger.InvokeContext, err error) error {
	if line, ok := errorLine(err); ok {
		ic.Log("%s", line)
	}
	return err
}

// Names lists the registered instruction names in PascalCase.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.routes))
	for _, rt := range r.routes {
		names = append(names, rt.name)
	}
	return names
}

// Matches reports whether data targets the named instruction.
func Matches(data []byte, name string) bool {
	disc := InstructionDiscriminator(name)
	return len(data) >= DiscriminatorLength && bytes.Equal(data[:DiscriminatorLength], disc[:])
}
