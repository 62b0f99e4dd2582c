package ledger

const (
	// DefaultComputeUnitLimit applies when a transaction does not request a limit.
	DefaultComputeUnitLimit uint64 = 200_000
	// MaxComputeUnitLimit caps what a transaction may request.
	MaxComputeUnitLimit uint64 = 1_400_000
	// MaxInvokeDepth bounds nested invocation, top-level instructions run at depth 1.
	MaxInvokeDepth = 4
	// MaxReturnDataLength bounds the return-data side channel.
	MaxReturnDataLength = 1_024
)

const (
	invokeUnits    uint64 = 1_000
	logUnits       uint64 = 100
	syscallUnits   uint64 = 100
	bytesPerUnit   uint64 = 250
	createUnits    uint64 = 150
	pdaDeriveUnits uint64 = 1_500
)

// meter tracks compute consumption for one transaction, nested calls included.
type meter struct {
	limit uint64
	used  uint64
}

func newMeter(limit uint64) *meter {
	if limit == 0 {
		limit = DefaultComputeUnitLimit
	}
	if limit > MaxComputeUnitLimit {
		limit = MaxComputeUnitLimit
	}
	return &meter{limit: limit}
}

func (m *meter) consume(units uint64) error {
	if units > m.limit-m.used {
		m.used = m.limit
		return errorf(ErrBudgetExceeded, "computational budget exceeded: limit %d", m.limit)
	}
	m.used += units
	return nil
}

func (m *meter) remaining() uint64 {
	return m.limit - m.used
}
