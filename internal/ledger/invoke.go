package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"

	xerrors "OpenProof-Chain/internal/errors"
)

// txState is the per-transaction overlay. Nothing here reaches the store until commit.
type txState struct {
	ctx          context.Context
	rt           *Runtime
	instructions []compiledInstruction
	current      int
	accounts     map[solana.PublicKey]*Account
	dirty        map[solana.PublicKey]struct{}
	logs         []string
	returnData   *ReturnData
	meter        *meter
	stack        []solana.PublicKey
	fault        error
}

func newTxState(ctx context.Context, rt *Runtime, instructions []compiledInstruction, m *meter) *txState {
	return &txState{
		ctx:          ctx,
		rt:           rt,
		instructions: instructions,
		accounts:     make(map[solana.PublicKey]*Account),
		dirty:        make(map[solana.PublicKey]struct{}),
		meter:        m,
	}
}

func (s *txState) log(format string, args ...any) {
	s.logs = append(s.logs, fmt.Sprintf(format, args...))
}

// consume charges the shared meter. The first exhaustion sticks for the rest of the transaction.
func (s *txState) consume(units uint64) error {
	if s.fault != nil {
		return s.fault
	}
	if err := s.meter.consume(units); err != nil {
		s.fault = err
		return err
	}
	return nil
}

func (s *txState) load(key solana.PublicKey) (*Account, error) {
	if key.Equals(solana.SysVarInstructionsPubkey) {
		return &Account{Owner: SysvarOwnerID, Data: encodeInstructionsSysvar(s.instructions, s.current)}, nil
	}
	if acc, ok := s.accounts[key]; ok {
		if acc == nil {
			return nil, errorf(ErrAccountNotFound, "account %s not found", key)
		}
		return acc, nil
	}
	if _, ok := s.rt.Program(key); ok {
		return &Account{Owner: solana.BPFLoaderUpgradeableProgramID, Executable: true}, nil
	}
	acc, err := s.rt.store.Get(s.ctx, key)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			s.accounts[key] = nil
			return nil, errorf(ErrAccountNotFound, "account %s not found", key)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("load account %s", key))
	}
	s.accounts[key] = acc
	return acc, nil
}

func (s *txState) store(key solana.PublicKey, acc *Account) {
	s.accounts[key] = acc
	s.dirty[key] = struct{}{}
}

func (s *txState) writes() map[solana.PublicKey]*Account {
	out := make(map[solana.PublicKey]*Account, len(s.dirty))
	for key := range s.dirty {
		if acc := s.accounts[key]; acc != nil {
			out[key] = acc
		}
	}
	return out
}

func (s *txState) process(program Program, metas []*solana.AccountMeta, data []byte, depth int) error {
	id := program.ProgramID()
	for _, active := range s.stack {
		if active.Equals(id) {
			return errorf(ErrReentrancy, "program %s is already executing", id)
		}
	}
	s.stack = append(s.stack, id)
	defer func() { s.stack = s.stack[:len(s.stack)-1] }()

	s.returnData = nil
	s.log("Program %s invoke [%d]", id, depth)

	available := s.meter.remaining()
	err := s.consume(invokeUnits)
	if err == nil {
		ic := &InvokeContext{state: s, programID: id, depth: depth, metas: metas}
		err = program.Process(ic, data)
		if err == nil {
			err = s.fault
		}
	}
	s.log("Program %s consumed %d of %d compute units", id, available-s.meter.remaining(), available)
	if err != nil {
		s.log("Program %s failed: %s", id, describe(err))
		return err
	}
	s.log("Program %s success", id)
	return nil
}

func describe(err error) string {
	if code, ok := xerrors.ProgramCodeOf(err); ok {
		return fmt.Sprintf("custom program error: 0x%x", code)
	}
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}

// InvokeContext is what a program sees while one of its instructions executes.
type InvokeContext struct {
	state     *txState
	programID solana.PublicKey
	depth     int
	metas     []*solana.AccountMeta
}

// Context returns the context the transaction was submitted with.
func (ic *InvokeContext) Context() context.Context {
	return ic.state.ctx
}

// ProgramID is the id of the executing program.
func (ic *InvokeContext) ProgramID() solana.PublicKey {
	return ic.programID
}

// Depth is 1 for top-level instructions and grows with each nested invocation.
func (ic *InvokeContext) Depth() int {
	return ic.depth
}

// Accounts returns a copy of the account metas declared to this instruction.
func (ic *InvokeContext) Accounts() []solana.AccountMeta {
	out := make([]solana.AccountMeta, len(ic.metas))
	for i, m := range ic.metas {
		out[i] = *m
	}
	return out
}

// AccountAt returns the i-th declared account meta.
func (ic *InvokeContext) AccountAt(i int) (solana.AccountMeta, error) {
	if i < 0 || i >= len(ic.metas) {
		return solana.AccountMeta{}, errorf(ErrAccountNotDeclared, "instruction declares %d accounts, wanted index %d", len(ic.metas), i)
	}
	return *ic.metas[i], nil
}

func (ic *InvokeContext) meta(key solana.PublicKey) (*solana.AccountMeta, bool) {
	var found *solana.AccountMeta
	for _, m := range ic.metas {
		if !m.PublicKey.Equals(key) {
			continue
		}
		if found == nil {
			copied := *m
			found = &copied
			continue
		}
		found.IsWritable = found.IsWritable || m.IsWritable
		found.IsSigner = found.IsSigner || m.IsSigner
	}
	return found, found != nil
}

// Get returns a copy of a declared account.
func (ic *InvokeContext) Get(key solana.PublicKey) (*Account, error) {
	if _, ok := ic.meta(key); !ok {
		return nil, errorf(ErrAccountNotDeclared, "account %s not declared to %s", key, ic.programID)
	}
	if err := ic.state.consume(syscallUnits); err != nil {
		return nil, err
	}
	acc, err := ic.state.load(key)
	if err != nil {
		return nil, err
	}
	return acc.Clone(), nil
}

// SetData replaces the data of an account this program owns and may write.
func (ic *InvokeContext) SetData(key solana.PublicKey, data []byte) error {
	meta, ok := ic.meta(key)
	if !ok {
		return errorf(ErrAccountNotDeclared, "account %s not declared to %s", key, ic.programID)
	}
	if !meta.IsWritable {
		return errorf(ErrReadonlyModified, "account %s is read-only", key)
	}
	acc, err := ic.state.load(key)
	if err != nil {
		return err
	}
	if !acc.Owner.Equals(ic.programID) {
		return errorf(ErrExternalModified, "account %s is owned by %s", key, acc.Owner)
	}
	if err := ic.state.consume(syscallUnits + uint64(len(data))/bytesPerUnit); err != nil {
		return err
	}
	updated := acc.Clone()
	updated.Data = append([]byte(nil), data...)
	ic.state.store(key, updated)
	return nil
}

// CreateAccount allocates space bytes at key and assigns it to owner.
// Only the system program may create accounts; key must be writable and signed.
func (ic *InvokeContext) CreateAccount(key, owner solana.PublicKey, space uint64) error {
	if !ic.programID.Equals(solana.SystemProgramID) {
		return errorf(ErrExternalModified, "program %s cannot allocate accounts", ic.programID)
	}
	meta, ok := ic.meta(key)
	if !ok {
		return errorf(ErrAccountNotDeclared, "account %s not declared to %s", key, ic.programID)
	}
	if !meta.IsWritable {
		return errorf(ErrReadonlyModified, "account %s is read-only", key)
	}
	if !meta.IsSigner {
		return errorf(ErrMissingSignature, "account %s must sign its creation", key)
	}
	if err := ic.state.consume(createUnits); err != nil {
		return err
	}
	if _, err := ic.state.load(key); err == nil {
		ic.Log("Allocate: account Address { address: %s, base: None } already in use", key)
		return errorf(ErrAccountAlreadyInUse, "account %s already in use", key)
	} else if !errors.Is(err, ErrAccountNotFound) {
		return err
	}
	ic.state.store(key, &Account{Owner: owner, Data: make([]byte, space)})
	return nil
}

// Log appends a "Program log:" line.
func (ic *InvokeContext) Log(format string, args ...any) {
	if ic.state.consume(logUnits) != nil {
		return
	}
	ic.state.log("Program log: "+format, args...)
}

// LogData appends a "Program data:" line with each field base64 encoded.
func (ic *InvokeContext) LogData(fields ...[]byte) {
	var size uint64
	encoded := make([]string, len(fields))
	for i, f := range fields {
		size += uint64(len(f))
		encoded[i] = base64.StdEncoding.EncodeToString(f)
	}
	if ic.state.consume(logUnits+size/bytesPerUnit) != nil {
		return
	}
	ic.state.log("Program data: %s", strings.Join(encoded, " "))
}

// SetReturnData publishes data on the side channel, tagged with this program's id.
func (ic *InvokeContext) SetReturnData(data []byte) error {
	if len(data) > MaxReturnDataLength {
		return errorf(ErrReturnDataTooLarge, "return data is %d bytes, max %d", len(data), MaxReturnDataLength)
	}
	if err := ic.state.consume(syscallUnits + uint64(len(data))/bytesPerUnit); err != nil {
		return err
	}
	ic.state.returnData = &ReturnData{ProgramID: ic.programID, Data: append([]byte(nil), data...)}
	ic.state.log("Program return: %s %s", ic.programID, base64.StdEncoding.EncodeToString(data))
	return nil
}

// ReturnData reads the side channel. The bool is false when no program set data
// since the most recent instruction started.
func (ic *InvokeContext) ReturnData() (ReturnData, bool) {
	rd := ic.state.returnData
	if rd == nil {
		return ReturnData{}, false
	}
	return ReturnData{ProgramID: rd.ProgramID, Data: append([]byte(nil), rd.Data...)}, true
}

// Consume charges units against the transaction budget.
func (ic *InvokeContext) Consume(units uint64) error {
	return ic.state.consume(units)
}

// FindProgramAddress derives a program address for the executing program.
func (ic *InvokeContext) FindProgramAddress(seeds ...[]byte) (solana.PublicKey, uint8, error) {
	if err := ic.state.consume(pdaDeriveUnits); err != nil {
		return solana.PublicKey{}, 0, err
	}
	copied := make([][]byte, len(seeds))
	copy(copied, seeds)
	addr, bump, err := solana.FindProgramAddress(copied, ic.programID)
	if err != nil {
		return solana.PublicKey{}, 0, errorf(ErrInvalidSeeds, "derive program address: %v", err)
	}
	return addr, bump, nil
}

// Invoke calls another program synchronously with the caller's privileges.
func (ic *InvokeContext) Invoke(ix solana.Instruction) error {
	return ic.InvokeSigned(ix)
}

// InvokeSigned calls another program, additionally signing for every program
// address derived from signerSeeds and the caller's id.
func (ic *InvokeContext) InvokeSigned(ix solana.Instruction, signerSeeds ...[][]byte) error {
	s := ic.state
	calleeID := ix.ProgramID()
	if ic.depth+1 > MaxInvokeDepth {
		return errorf(ErrCallDepthExceeded, "invoking %s at depth %d exceeds %d", calleeID, ic.depth+1, MaxInvokeDepth)
	}
	callee, ok := s.rt.Program(calleeID)
	if !ok {
		return errorf(ErrUnknownProgram, "program %s is not registered", calleeID)
	}
	if _, ok := ic.meta(calleeID); !ok {
		return errorf(ErrAccountNotDeclared, "program %s not declared to %s", calleeID, ic.programID)
	}
	data, err := ix.Data()
	if err != nil {
		return xerrors.Wrap(CodeInvalidInstructionData, err, "encode instruction data")
	}

	pdaSigners := make(map[solana.PublicKey]struct{}, len(signerSeeds))
	for _, seeds := range signerSeeds {
		if err := s.consume(pdaDeriveUnits); err != nil {
			return err
		}
		addr, err := solana.CreateProgramAddress(seeds, ic.programID)
		if err != nil {
			return errorf(ErrInvalidSeeds, "signer seeds for %s: %v", ic.programID, err)
		}
		pdaSigners[addr] = struct{}{}
	}

	metas := make([]*solana.AccountMeta, 0, len(ix.Accounts()))
	for _, m := range ix.Accounts() {
		if m == nil {
			continue
		}
		callerMeta, ok := ic.meta(m.PublicKey)
		if !ok {
			return errorf(ErrAccountNotDeclared, "account %s not declared to %s", m.PublicKey, ic.programID)
		}
		if m.IsWritable && !callerMeta.IsWritable {
			return errorf(ErrPrivilegeEscalation, "%s's writable privilege escalated", m.PublicKey)
		}
		if m.IsSigner && !callerMeta.IsSigner {
			if _, ok := pdaSigners[m.PublicKey]; !ok {
				return errorf(ErrPrivilegeEscalation, "%s's signer privilege escalated", m.PublicKey)
			}
		}
		copied := *m
		metas = append(metas, &copied)
	}

	if err := s.process(callee, metas, data, ic.depth+1); err != nil {
		return xerrors.Wrap(CodeInvocationAborted, err, fmt.Sprintf("invocation of %s aborted", calleeID))
	}
	return nil
}
