package provisioning

import (
	"testing"

	"github.com/grcflow/grcflow/core"
)

func mixedRequest() *core.AccessRequest {
	return &core.AccessRequest{
		ID: "req-1",
		Items: []core.AccessItem{
			{ID: "item-a", SystemID: "sap-fi", RoleID: "viewer", RiskLevel: core.RiskLow, Status: core.ItemApproved},
			{ID: "item-b", SystemID: "sap-fi", RoleID: "poster", RiskLevel: core.RiskMedium, Status: core.ItemApproved},
			{ID: "item-c", SystemID: "sap-fi", RoleID: "admin", RiskLevel: core.RiskHigh, Status: core.ItemPending},
		},
	}
}

func verdictFor(t *testing.T, result *Result, itemID string) ItemVerdict {
	t.Helper()
	for _, v := range result.Verdicts {
		if v.ItemID == itemID {
			return v
		}
	}
	t.Fatalf("no verdict for %s", itemID)
	return ItemVerdict{}
}

func TestNewGateRejectsUnknownStrategy(t *testing.T) {
	if _, err := NewGate("YOLO"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
	gate, err := NewGate(PartialAllowed)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if gate.Strategy() != PartialAllowed {
		t.Errorf("strategy = %s", gate.Strategy())
	}
}

func TestAllOrNothingHoldsUntilAllApproved(t *testing.T) {
	gate, _ := NewGate(AllOrNothing)

	request := mixedRequest()
	result := gate.Evaluate(request)
	if result.AllDecided {
		t.Error("AllDecided must be false while an item is PENDING")
	}
	if len(result.EnactIDs()) != 0 {
		t.Errorf("enacted = %v, want none while any item is undecided", result.EnactIDs())
	}

	request.Items[2].Status = core.ItemApproved
	result = gate.Evaluate(request)
	if !result.AllDecided {
		t.Error("AllDecided must be true once every item is decided")
	}
	if got := result.EnactIDs(); len(got) != 3 {
		t.Errorf("enacted = %v, want all three", got)
	}
}

func TestAllOrNothingNeverReleasesAfterRejection(t *testing.T) {
	gate, _ := NewGate(AllOrNothing)
	request := mixedRequest()
	request.Items[2].Status = core.ItemRejected

	result := gate.Evaluate(request)
	if !result.AllDecided {
		t.Error("a rejected item still counts as decided")
	}
	if len(result.EnactIDs()) != 0 {
		t.Errorf("enacted = %v, want none when a sibling was rejected", result.EnactIDs())
	}
}

func TestPartialAllowedEnactsEachApprovedItem(t *testing.T) {
	gate, _ := NewGate(PartialAllowed)
	request := mixedRequest()

	result := gate.Evaluate(request)
	got := result.EnactIDs()
	if len(got) != 2 || got[0] != "item-a" || got[1] != "item-b" {
		t.Errorf("enacted = %v, want [item-a item-b]", got)
	}
	if v := verdictFor(t, result, "item-c"); v.Enact {
		t.Error("pending item must never be enacted")
	}
}

func TestRiskBasedPartialHoldsHighRisk(t *testing.T) {
	gate, _ := NewGate(RiskBasedPartial)
	request := mixedRequest()
	request.Items[2].Status = core.ItemApproved
	request.Items = append(request.Items, core.AccessItem{
		ID: "item-d", RiskLevel: core.RiskCritical, Status: core.ItemPending,
	})

	// item-d undecided: LOW/MEDIUM go out, HIGH waits.
	result := gate.Evaluate(request)
	got := result.EnactIDs()
	if len(got) != 2 || got[0] != "item-a" || got[1] != "item-b" {
		t.Errorf("enacted = %v, want only the low and medium items", got)
	}
	if v := verdictFor(t, result, "item-c"); v.Enact {
		t.Errorf("high-risk item enacted early: %+v", v)
	}

	// Everything approved: the held items release.
	request.Items[3].Status = core.ItemApproved
	result = gate.Evaluate(request)
	if got := result.EnactIDs(); len(got) != 4 {
		t.Errorf("enacted = %v, want all four after full approval", got)
	}
}

func TestTagBasedHoldsBlockedTags(t *testing.T) {
	gate, _ := NewGate(TagBased, WithBlockedTags("sox-relevant"))
	request := &core.AccessRequest{
		ID: "req-2",
		Items: []core.AccessItem{
			{ID: "item-a", Tags: []string{"standard"}, Status: core.ItemApproved},
			{ID: "item-b", Tags: []string{"sox-relevant"}, Status: core.ItemApproved},
			{ID: "item-c", Status: core.ItemPending},
		},
	}

	result := gate.Evaluate(request)
	if v := verdictFor(t, result, "item-a"); !v.Enact {
		t.Errorf("untagged approved item held: %+v", v)
	}
	if v := verdictFor(t, result, "item-b"); v.Enact {
		t.Errorf("blocked-tag item enacted early: %+v", v)
	}

	request.Items[2].Status = core.ItemApproved
	result = gate.Evaluate(request)
	if v := verdictFor(t, result, "item-b"); !v.Enact {
		t.Errorf("blocked-tag item still held after full approval: %+v", v)
	}
}

func TestNonApprovedItemsNeverEnacted(t *testing.T) {
	request := &core.AccessRequest{
		ID: "req-3",
		Items: []core.AccessItem{
			{ID: "item-a", Status: core.ItemPending},
			{ID: "item-b", Status: core.ItemRejected},
			{ID: "item-c", Status: core.ItemFailed},
		},
	}
	for _, strategy := range []Strategy{AllOrNothing, PartialAllowed, RiskBasedPartial, TagBased} {
		gate, err := NewGate(strategy)
		if err != nil {
			t.Fatalf("NewGate(%s): %v", strategy, err)
		}
		if got := gate.Evaluate(request).EnactIDs(); len(got) != 0 {
			t.Errorf("%s enacted %v from a request with no approved items", strategy, got)
		}
	}
}

func TestApplyMarksClearedItemsProvisioned(t *testing.T) {
	gate, _ := NewGate(PartialAllowed)
	request := mixedRequest()

	result := gate.Evaluate(request)
	gate.Apply(request, result)

	if request.Items[0].Status != core.ItemProvisioned {
		t.Errorf("item-a = %s, want PROVISIONED", request.Items[0].Status)
	}
	if request.Items[1].Status != core.ItemProvisioned {
		t.Errorf("item-b = %s, want PROVISIONED", request.Items[1].Status)
	}
	if request.Items[2].Status != core.ItemPending {
		t.Errorf("item-c = %s, must keep its status", request.Items[2].Status)
	}

	// Re-evaluation after apply: provisioned items stay put.
	result = gate.Evaluate(request)
	if v := verdictFor(t, result, "item-a"); v.Enact {
		t.Error("already-provisioned item must not be enacted again")
	}
}

func TestVerdictsSortedByItemID(t *testing.T) {
	gate, _ := NewGate(PartialAllowed)
	request := &core.AccessRequest{
		ID: "req-4",
		Items: []core.AccessItem{
			{ID: "zz", Status: core.ItemApproved},
			{ID: "aa", Status: core.ItemApproved},
			{ID: "mm", Status: core.ItemApproved},
		},
	}
	result := gate.Evaluate(request)
	want := []string{"aa", "mm", "zz"}
	for i, id := range want {
		if result.Verdicts[i].ItemID != id {
			t.Errorf("verdict[%d] = %s, want %s", i, result.Verdicts[i].ItemID, id)
		}
	}
}
