package dedup

import (
	"testing"

	"github.com/rcourtman/sentineld/internal/model"
)

func baseAlert() *model.Alert {
	return &model.Alert{
		Source:           "sentinel",
		Title:            "High CPU",
		Type:             model.TypePerformance,
		Severity:         model.SeverityP1,
		AffectedServices: []string{"svc-a", "svc-b"},
	}
}

func TestFingerprintStableAcrossWhitespaceAndCase(t *testing.T) {
	a := baseAlert()
	b := baseAlert()
	b.Title = "  HIGH   cpu  "

	if Fingerprint(a, nil) != Fingerprint(b, nil) {
		t.Error("fingerprint should be insensitive to title case and whitespace")
	}
}

func TestFingerprintStableAcrossResourceOrder(t *testing.T) {
	a := baseAlert()
	b := baseAlert()
	b.AffectedServices = []string{"svc-b", "svc-a"}

	if Fingerprint(a, nil) != Fingerprint(b, nil) {
		t.Error("fingerprint should not depend on affected-resource order")
	}
}

func TestFingerprintSeverityBucketing(t *testing.T) {
	a := baseAlert()
	a.Severity = model.SeverityP0
	b := baseAlert()
	b.Severity = model.SeverityP1

	if Fingerprint(a, nil) != Fingerprint(b, nil) {
		t.Error("P0 and P1 should bucket together as 'high'")
	}

	c := baseAlert()
	c.Severity = model.SeverityP2
	if Fingerprint(a, nil) == Fingerprint(c, nil) {
		t.Error("P0 and P2 should not share a fingerprint bucket")
	}
}

func TestFingerprintDiffersOnSource(t *testing.T) {
	a := baseAlert()
	b := baseAlert()
	b.Source = "other-monitor"

	if Fingerprint(a, nil) == Fingerprint(b, nil) {
		t.Error("different sources should not collide")
	}
}

func TestFingerprintIncludesSelectedLabels(t *testing.T) {
	a := baseAlert()
	a.Labels = map[string]string{"env": "prod", "team": "core"}
	b := baseAlert()
	b.Labels = map[string]string{"env": "staging", "team": "core"}

	if Fingerprint(a, LabelKeys{"env"}) == Fingerprint(b, LabelKeys{"env"}) {
		t.Error("fingerprint should diverge when a selected label differs")
	}
	if Fingerprint(a, nil) != Fingerprint(b, nil) {
		t.Error("unselected labels should not affect the fingerprint")
	}
}
