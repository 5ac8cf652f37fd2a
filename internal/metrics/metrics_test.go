package metrics

import "testing"

func TestRecordDecodedTokens(t *testing.T) {
	before := DecodedTokens()
	RecordDecodedTokens(7)
	RecordDecodedTokens(3)
	if got := DecodedTokens() - before; got != 10 {
		t.Fatalf("DecodedTokens delta = %d, want 10", got)
	}
}

func TestRecordCollective(t *testing.T) {
	// Must not panic and must accept every collective kind we emit.
	for _, op := range []string{"all_reduce", "all_gather_seq", "reduce_scatter_seq", "copy_to_region"} {
		RecordCollective(op, 1024)
	}
}

func TestRecordInstability(t *testing.T) {
	RecordInstability("scan_out", 0, 0) // no-op
	RecordInstability("scan_out", 2, 1)
}
