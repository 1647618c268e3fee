package tmux

import (
	"os"
	"testing"
)

func TestSplitPane_SendCapture_Kill(t *testing.T) {
	if os.Getenv("TMUX") == "" {
		t.Skip("Skipping tmux test: not running inside tmux")
	}
	workDir := t.TempDir()
	paneID, err := SplitPane(workDir, "")
	if err != nil {
		t.Fatalf("SplitPane: %v", err)
	}
	if paneID == "" {
		t.Fatal("SplitPane returned empty pane ID")
	}
	defer KillPane(paneID)

	if err := SendKeys(paneID, "echo ok\n"); err != nil {
		t.Fatalf("SendKeys: %v", err)
	}
	if _, err := CapturePane(paneID); err != nil {
		t.Fatalf("CapturePane: %v", err)
	}
}

func TestListPaneIDs(t *testing.T) {
	if os.Getenv("TMUX") == "" {
		t.Skip("Skipping tmux test: not running inside tmux")
	}
	workDir := t.TempDir()
	paneID, err := SplitPane(workDir, "")
	if err != nil {
		t.Fatalf("SplitPane: %v", err)
	}
	defer KillPane(paneID)

	paneIDs, err := ListPaneIDs()
	if err != nil {
		t.Fatalf("ListPaneIDs: %v", err)
	}
	if !paneIDs[paneID] {
		t.Errorf("ListPaneIDs: expected pane %s to be in the list", paneID)
	}
	for id := range paneIDs {
		if len(id) == 0 || id[0] != '%' {
			t.Errorf("ListPaneIDs: pane ID %q should start with %%", id)
		}
	}
}
