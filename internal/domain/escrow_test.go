package domain

import "testing"

func TestNextState(t *testing.T) {
	tests := []struct {
		name    string
		current string
		event   string
		want    string
		wantErr error
	}{
		{name: "pending accepts hold", current: StatePending, event: EventHold, want: StateHolding},
		{name: "held accepts release", current: StateHeld, event: EventRelease, want: StateReleasing},
		{name: "held accepts refund", current: StateHeld, event: EventRefund, want: StateRefunding},
		{name: "held accepts dispute", current: StateHeld, event: EventDispute, want: StateLockedDispute},
		{name: "dispute accepts release", current: StateLockedDispute, event: EventRelease, want: StateReleasing},
		{name: "dispute accepts refund", current: StateLockedDispute, event: EventRefund, want: StateRefunding},
		{name: "dispute accepts split", current: StateLockedDispute, event: EventSplit, want: StateSplitting},
		{name: "pending rejects release", current: StatePending, event: EventRelease, wantErr: ErrIllegalTransition},
		{name: "held rejects split", current: StateHeld, event: EventSplit, wantErr: ErrIllegalTransition},
		{name: "held rejects hold", current: StateHeld, event: EventHold, wantErr: ErrIllegalTransition},
		{name: "intermediate rejects everything", current: StateReleasing, event: EventRelease, wantErr: ErrIllegalTransition},
		{name: "released is terminal", current: StateReleased, event: EventRefund, wantErr: ErrTerminalState},
		{name: "refunded is terminal", current: StateRefunded, event: EventHold, wantErr: ErrTerminalState},
		{name: "refund_partial is terminal", current: StateRefundPartial, event: EventRelease, wantErr: ErrTerminalState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextState(tt.current, tt.event)
			if tt.wantErr != nil {
				if err != tt.wantErr {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestCommitState(t *testing.T) {
	tests := []struct {
		intermediate string
		want         string
	}{
		{StateHolding, StateHeld},
		{StateReleasing, StateReleased},
		{StateRefunding, StateRefunded},
		{StateSplitting, StateRefundPartial},
	}
	for _, tt := range tests {
		got, err := CommitState(tt.intermediate)
		if err != nil {
			t.Fatalf("CommitState(%s) returned error: %v", tt.intermediate, err)
		}
		if got != tt.want {
			t.Fatalf("CommitState(%s) = %s, want %s", tt.intermediate, got, tt.want)
		}
	}
	if _, err := CommitState(StateHeld); err != ErrIllegalTransition {
		t.Fatalf("expected ErrIllegalTransition for stable state, got %v", err)
	}
}

func TestRevertState(t *testing.T) {
	tests := []struct {
		name         string
		intermediate string
		fromDispute  bool
		want         string
	}{
		{name: "holding reverts to pending", intermediate: StateHolding, want: StatePending},
		{name: "releasing reverts to held", intermediate: StateReleasing, want: StateHeld},
		{name: "refunding reverts to held", intermediate: StateRefunding, want: StateHeld},
		{name: "splitting reverts to dispute", intermediate: StateSplitting, want: StateLockedDispute},
		{name: "releasing from dispute reverts to dispute", intermediate: StateReleasing, fromDispute: true, want: StateLockedDispute},
		{name: "refunding from dispute reverts to dispute", intermediate: StateRefunding, fromDispute: true, want: StateLockedDispute},
		{name: "holding ignores dispute flag", intermediate: StateHolding, fromDispute: true, want: StatePending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RevertState(tt.intermediate, tt.fromDispute)
			if err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestDisplayState(t *testing.T) {
	tests := []struct {
		state string
		want  string
	}{
		{StatePending, DisplayReady},
		{StateHolding, DisplayReady},
		{StateRefunded, DisplayReady},
		{StateHeld, DisplayOnHold},
		{StateReleasing, DisplayOnHold},
		{StateRefunding, DisplayOnHold},
		{StateLockedDispute, DisplayAwaitingReview},
		{StateSplitting, DisplayAwaitingReview},
		{StateReleased, DisplayPaid},
		{StateRefundPartial, DisplayPaid},
	}
	for _, tt := range tests {
		if got := DisplayState(tt.state); got != tt.want {
			t.Fatalf("DisplayState(%s) = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestEntriesBalance(t *testing.T) {
	tests := []struct {
		name    string
		entries []LedgerEntry
		want    bool
	}{
		{
			name: "balanced pair",
			entries: []LedgerEntry{
				{Direction: DirectionDebit, Amount: 10000},
				{Direction: DirectionCredit, Amount: 10000},
			},
			want: true,
		},
		{
			name: "balanced fee carve",
			entries: []LedgerEntry{
				{Direction: DirectionDebit, Amount: 10000},
				{Direction: DirectionCredit, Amount: 9000},
				{Direction: DirectionCredit, Amount: 1000},
			},
			want: true,
		},
		{
			name: "unbalanced",
			entries: []LedgerEntry{
				{Direction: DirectionDebit, Amount: 10000},
				{Direction: DirectionCredit, Amount: 9000},
			},
			want: false,
		},
		{
			name:    "empty set",
			entries: nil,
			want:    false,
		},
		{
			name: "zero amount",
			entries: []LedgerEntry{
				{Direction: DirectionDebit, Amount: 0},
				{Direction: DirectionCredit, Amount: 0},
			},
			want: false,
		},
		{
			name: "negative amount",
			entries: []LedgerEntry{
				{Direction: DirectionDebit, Amount: -100},
				{Direction: DirectionCredit, Amount: -100},
			},
			want: false,
		},
		{
			name: "unknown direction",
			entries: []LedgerEntry{
				{Direction: "sideways", Amount: 100},
				{Direction: DirectionCredit, Amount: 100},
			},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EntriesBalance(tt.entries); got != tt.want {
				t.Fatalf("expected %t, got %t", tt.want, got)
			}
		})
	}
}
