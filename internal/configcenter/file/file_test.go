package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wudi/tollgate/internal/configcenter"
	"github.com/wudi/tollgate/internal/rules"
)

const rulesV1 = `
- id: "1"
  serviceId: user-service
  paths: ["/user/ping"]
`

const rulesV2 = `[
  {"id": "1", "serviceId": "user-service", "paths": ["/user/ping"]},
  {"id": "2", "serviceId": "order-service", "prefix": "/order"}
]`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCenterInitialPush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeFile(t, path, rulesV1)

	c, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	var got []*rules.Rule
	err = c.SubscribeRulesChange(context.Background(), configcenter.ListenerFunc(func(list []*rules.Rule) {
		got = list
	}))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(got) != 1 || got[0].ServiceID != "user-service" {
		t.Errorf("initial push = %+v", got)
	}
}

func TestCenterReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeFile(t, path, rulesV1)

	c, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	c.SetDebounce(10 * time.Millisecond)

	pushes := make(chan []*rules.Rule, 4)
	c.SubscribeRulesChange(context.Background(), configcenter.ListenerFunc(func(list []*rules.Rule) {
		pushes <- list
	}))
	<-pushes

	writeFile(t, path, rulesV2)

	select {
	case list := <-pushes:
		if len(list) != 2 {
			t.Errorf("expected 2 rules after reload, got %d", len(list))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload push")
	}
}

func TestCenterKeepsRulesOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeFile(t, path, rulesV1)

	c, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	writeFile(t, path, `[{"id": "x"}]`)
	c.reload()

	if len(c.Rules()) != 1 || c.Rules()[0].ID != "1" {
		t.Errorf("bad reload should keep previous rules, got %+v", c.Rules())
	}
}

func TestNewMissingFile(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing rules file")
	}
}
