package savings_test

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/savings-ledger/savings"
)

func dep(amount int64, status savings.DepositStatus) savings.Deposit {
	return savings.Deposit{Amount: savings.NewMoney(amount), Status: status}
}

func alloc(amount int64, status savings.AllocationStatus) savings.Allocation {
	return savings.Allocation{Amount: savings.NewMoney(amount), Status: status}
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		name        string
		deposits    []savings.Deposit
		allocations []savings.Allocation
		available   int64
		locked      int64
		clamped     bool
	}{
		{
			name:      "empty history",
			available: 0,
			locked:    0,
		},
		{
			name:      "one approved deposit",
			deposits:  []savings.Deposit{dep(10_000_000, savings.DepositApproved)},
			available: 10_000_000,
		},
		{
			name: "pending and rejected deposits count zero",
			deposits: []savings.Deposit{
				dep(10_000_000, savings.DepositApproved),
				dep(5_000_000, savings.DepositPending),
				dep(3_000_000, savings.DepositRejected),
			},
			available: 10_000_000,
		},
		{
			name:        "draft moves funds to locked",
			deposits:    []savings.Deposit{dep(10_000_000, savings.DepositApproved)},
			allocations: []savings.Allocation{alloc(4_000_000, savings.AllocationDraft)},
			available:   6_000_000,
			locked:      4_000_000,
		},
		{
			name:        "posted leaves both buckets",
			deposits:    []savings.Deposit{dep(10_000_000, savings.DepositApproved)},
			allocations: []savings.Allocation{alloc(4_000_000, savings.AllocationPosted)},
			available:   6_000_000,
		},
		{
			name:        "reversed restores available, not locked",
			deposits:    []savings.Deposit{dep(10_000_000, savings.DepositApproved)},
			allocations: []savings.Allocation{alloc(4_000_000, savings.AllocationReversed)},
			available:   10_000_000,
		},
		{
			name:     "overdrawn history is clamped",
			deposits: []savings.Deposit{dep(1_000_000, savings.DepositApproved)},
			allocations: []savings.Allocation{
				alloc(2_000_000, savings.AllocationPosted),
			},
			available: 0,
			clamped:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bal := savings.Calculate(tt.deposits, tt.allocations)

			assert.True(t, savings.NewMoney(tt.available).Equal(bal.Available), "available: got %s", bal.Available)
			assert.True(t, savings.NewMoney(tt.locked).Equal(bal.Locked), "locked: got %s", bal.Locked)
			assert.True(t, bal.Available.Add(bal.Locked).Equal(bal.Total))
			assert.Equal(t, tt.clamped, bal.Clamped)
		})
	}
}

func TestSummarize_CountsAndSums(t *testing.T) {
	deposits := []savings.Deposit{
		dep(100, savings.DepositApproved),
		dep(200, savings.DepositApproved),
		dep(50, savings.DepositPending),
		dep(25, savings.DepositRejected),
	}
	allocations := []savings.Allocation{
		alloc(40, savings.AllocationDraft),
		alloc(60, savings.AllocationPosted),
		alloc(10, savings.AllocationReversed),
	}

	s := savings.Summarize("acc-1", deposits, allocations)

	assert.Equal(t, savings.AccountID("acc-1"), s.AccountID)
	assert.Equal(t, 4, s.DepositCount)
	assert.Equal(t, 2, s.ApprovedDepositCount)
	assert.Equal(t, 1, s.PendingDepositCount)
	assert.Equal(t, 1, s.RejectedDepositCount)
	assert.Equal(t, 3, s.AllocationCount)
	assert.Equal(t, 1, s.DraftAllocationCount)
	assert.Equal(t, 1, s.PostedAllocationCount)
	assert.Equal(t, 1, s.ReversedAllocationCount)

	assert.Equal(t, "375.00", s.TotalDeposits().String())
	assert.Equal(t, "110.00", s.TotalAllocations().String())
	assert.Equal(t, "200.00", s.Balance.Available.String())
	assert.Equal(t, "40.00", s.Balance.Locked.String())
	assert.NoError(t, s.Check())
}

func TestSummary_CheckReportsClamp(t *testing.T) {
	s := savings.Summarize("acc-1", nil, []savings.Allocation{alloc(10, savings.AllocationDraft)})

	require.True(t, s.Balance.Clamped)
	assert.ErrorIs(t, s.Check(), savings.ErrBalanceInconsistency)
}

// Random histories reachable through the service never violate the
// bucket invariants.
func TestCalculate_InvariantsOverRandomHistories(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		var deposits []savings.Deposit
		var allocations []savings.Allocation

		for step := 0; step < 30; step++ {
			before := savings.Calculate(deposits, allocations)

			switch rng.Intn(5) {
			case 0:
				deposits = append(deposits, dep(int64(rng.Intn(1000)+1), savings.DepositApproved))
			case 1:
				amount := int64(rng.Intn(500) + 1)
				if !savings.NewMoney(amount).GreaterThan(before.Available) {
					allocations = append(allocations, alloc(amount, savings.AllocationDraft))
					after := savings.Calculate(deposits, allocations)
					assert.True(t, before.Available.Sub(savings.NewMoney(amount)).Equal(after.Available))
					assert.True(t, before.Locked.Add(savings.NewMoney(amount)).Equal(after.Locked))
				}
			case 2:
				if i := pick(rng, allocations, savings.AllocationDraft); i >= 0 {
					allocations[i].Status = savings.AllocationPosted
				}
			case 3:
				if i := pick(rng, allocations, savings.AllocationPosted); i >= 0 {
					allocations[i].Status = savings.AllocationReversed
					after := savings.Calculate(deposits, allocations)
					assert.True(t, before.Available.Add(allocations[i].Amount).Equal(after.Available))
					assert.True(t, before.Locked.Equal(after.Locked))
				}
			case 4:
				deposits = append(deposits, dep(int64(rng.Intn(1000)+1), savings.DepositRejected))
			}

			bal := savings.Calculate(deposits, allocations)
			require.False(t, bal.Available.IsNegative())
			require.False(t, bal.Locked.IsNegative())
			require.False(t, bal.Clamped)
			require.True(t, bal.Available.Add(bal.Locked).Equal(bal.Total))
		}
	}
}

func pick(rng *rand.Rand, allocations []savings.Allocation, status savings.AllocationStatus) int {
	var idx []int
	for i, a := range allocations {
		if a.Status == status {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return -1
	}
	return idx[rng.Intn(len(idx))]
}

func TestParseMoney(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		valid bool
	}{
		{"plain", "1500000.50", "1500000.50", true},
		{"integer", "250000", "250000.00", true},
		{"trailing zeros", "1.500", "1.50", true},
		{"largest integer part", "9999999999999999.99", "9999999999999999.99", true},
		{"three fractional digits", "1.005", "", false},
		{"not a number", "abc", "", false},
		{"too many integer digits", "10000000000000000", "", false},
		{"exponent", "1e3", "", false},
		{"huge exponent", "1e20000000", "", false},
		{"huge negative exponent", "1E-20000000", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := savings.ParseMoney(tt.input)
			if !tt.valid {
				assert.ErrorIs(t, err, savings.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.String())
		})
	}
}

func TestMoney_UnmarshalJSONRejectsExponent(t *testing.T) {
	for _, raw := range []string{`"1e-20000000"`, `1e20000000`} {
		var m savings.Money
		err := json.Unmarshal([]byte(raw), &m)
		assert.ErrorIs(t, err, savings.ErrValidation, raw)
	}

	var m savings.Money
	require.NoError(t, json.Unmarshal([]byte(`1500000`), &m))
	assert.Equal(t, "1500000.00", m.String())
}
