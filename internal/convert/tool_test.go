package convert

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestToolLocatorLookupExplicitPath(t *testing.T) {
	tool := writeFakeTool(t, `exit 0`)
	locator := NewToolLocator(tool)

	path, err := locator.Lookup(context.Background())
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if path != tool {
		t.Fatalf("unexpected path: %s", path)
	}
}

func TestToolLocatorNotFound(t *testing.T) {
	locator := NewToolLocator("/nonexistent/ebook-convert")

	_, err := locator.Lookup(context.Background())

	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeToolNotFound {
		t.Fatalf("expected TOOL_NOT_FOUND, got: %v", err)
	}
	if !strings.Contains(apiErr.Message, "https://calibre-ebook.com/download") {
		t.Fatalf("expected download link in guidance, got: %s", apiErr.Message)
	}
}

func TestToolLocatorLookupIgnoresDeadRequestContext(t *testing.T) {
	tool := writeFakeTool(t, `exit 0`)
	locator := NewToolLocator(tool)

	// 切断済みリクエストのコンテキストで探索しても検出は成功し、
	// 否定結果がキャッシュに残らないこと
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := locator.Lookup(ctx); err != nil {
		t.Fatalf("Lookup with canceled context failed: %v", err)
	}

	path, err := locator.Lookup(context.Background())
	if err != nil {
		t.Fatalf("subsequent Lookup failed: %v", err)
	}
	if path != tool {
		t.Fatalf("unexpected path: %s", path)
	}
}

func TestToolLocatorCachesResult(t *testing.T) {
	probes := 0
	locator := NewToolLocator("/some/path")
	locator.probe = func(ctx context.Context, path string) bool {
		probes++
		return true
	}

	for i := 0; i < 3; i++ {
		if _, err := locator.Lookup(context.Background()); err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
	}
	if probes != 1 {
		t.Fatalf("expected a single probe thanks to caching, got %d", probes)
	}
}

func TestToolLocatorRefreshDropsCache(t *testing.T) {
	probes := 0
	available := false
	locator := NewToolLocator("/some/path")
	locator.probe = func(ctx context.Context, path string) bool {
		probes++
		return available
	}

	if _, err := locator.Lookup(context.Background()); err == nil {
		t.Fatal("expected lookup failure while tool is unavailable")
	}

	// ツールがインストールされた後の再探索を模す
	available = true
	installed, path := locator.Refresh(context.Background())
	if !installed {
		t.Fatal("expected refresh to find the tool")
	}
	if path != "/some/path" {
		t.Fatalf("unexpected path: %s", path)
	}
	if probes < 2 {
		t.Fatalf("refresh should re-probe, probes=%d", probes)
	}
}
