package enhancement

import "testing"

func TestPatternClassifier(t *testing.T) {
	c := DefaultClassifier()
	tests := []struct {
		text string
		want bool
	}{
		{"I've outlined the sections. Shall I proceed with the full report?", true},
		{"Would you like me to generate the charts next?", true},
		{"Do you want me to add a valuation section?", true},
		{"Here is the updated report with the new risk section.", false},
		{"", false},
		{"The company should proceed with caution.", false},
	}
	for _, tt := range tests {
		if got := c.Classify(tt.text); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestShouldAutoApprove(t *testing.T) {
	ask := "Shall I proceed?"

	if ShouldAutoApprove(SessionConfig{AutoMode: false}, ask) {
		t.Error("auto-approve must be off when auto mode is off")
	}
	if !ShouldAutoApprove(SessionConfig{AutoMode: true}, ask) {
		t.Error("default classifier should approve a confirmation request")
	}

	never := ClassifierFunc(func(string) bool { return false })
	if ShouldAutoApprove(SessionConfig{AutoMode: true, Classifier: never}, ask) {
		t.Error("custom classifier must be honored")
	}
}
