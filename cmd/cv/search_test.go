package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const providerResponse = `{
	"response": {"text": "Two solid barbecue picks."},
	"entities": [{"businesses": [
		{"id": "biz_1", "name": "Franklin Barbecue", "rating": 4.5, "review_count": 2100, "price": "$$",
		 "categories": [{"alias": "bbq", "title": "Barbeque"}],
		 "contextual_info": {"review_snippet": "the [[HIGHLIGHT]]brisket[[ENDHIGHLIGHT]] is worth the line"}},
		{"id": "biz_2", "name": "la Barbecue"}
	]}]
}`

func newTestProvider(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": "bad key"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(providerResponse))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchCmd_PrintsOptions(t *testing.T) {
	provider := newTestProvider(t)
	configPath, _ := writeConfig(t, "search:\n  endpoint: "+provider.URL+"\n  api_key: test-key\n")

	out, err := runCmd(t, "", "search", "bbq", "--location", "Austin, TX", "-c", configPath)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(out, "Two solid barbecue picks.") {
		t.Errorf("missing summary: %s", out)
	}
	if !strings.Contains(out, " 1. Franklin Barbecue") || !strings.Contains(out, " 2. la Barbecue") {
		t.Errorf("missing options: %s", out)
	}
	if !strings.Contains(out, `"the brisket is worth the line"`) {
		t.Errorf("snippet should be printed without markers: %s", out)
	}
	if !strings.Contains(out, "[biz_1]") {
		t.Errorf("missing option id: %s", out)
	}
}

func TestSearchCmd_ProposesToSession(t *testing.T) {
	provider := newTestProvider(t)
	srv, svc := newTestServer(t)
	configPath, _ := writeConfig(t, "search:\n  endpoint: "+provider.URL+"\n  api_key: test-key\n")

	out, err := runCmd(t, "", "search", "bbq", "-c", configPath, "--propose", "s1", "--server", srv.URL)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(out, "Proposed 2 option(s) to session s1") {
		t.Errorf("unexpected output: %s", out)
	}

	catalog, err := svc.Catalog(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	if len(catalog) != 2 || catalog["biz_1"].ReviewSnippet == "" {
		t.Errorf("catalog = %+v", catalog)
	}
}

func TestSearchCmd_MissingAPIKey(t *testing.T) {
	configPath, _ := writeConfig(t, "")
	_, err := runCmd(t, "", "search", "bbq", "-c", configPath)
	if err == nil || !strings.Contains(err.Error(), "search.api_key is not set") {
		t.Errorf("err = %v", err)
	}
}

func TestSearchCmd_ProviderError(t *testing.T) {
	provider := newTestProvider(t)
	configPath, _ := writeConfig(t, "search:\n  endpoint: "+provider.URL+"\n  api_key: wrong\n")
	_, err := runCmd(t, "", "search", "bbq", "-c", configPath)
	if err == nil || !strings.Contains(err.Error(), "provider returned 401") {
		t.Errorf("err = %v", err)
	}
}

func TestSearchCmd_RequiresQuery(t *testing.T) {
	if _, err := runCmd(t, "", "search"); err == nil {
		t.Fatal("expected error without a query")
	}
}
