//go:build integration

package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB creates a PostgreSQL testcontainer and runs migrations
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("postgres://postgres:password@%s:%s/testdb?sslmode=disable", host, port.Port())
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	migrationSQL, err := os.ReadFile("../../migrations/000001_initial_schema.up.sql")
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgres.Terminate(ctx)
	}
	return db, cleanup
}

// TestEndToEnd_CommitRunPersists covers the complete workflow against Postgres:
// 1. Create data source with a schema
// 2. Store rows and a rule
// 3. Commit a run
// 4. Restart the server and read the group back
func TestEndToEnd_CommitRunPersists(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	server, err := NewServerWithDB(context.Background(), testConfig(), db, nil)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	ts := httptest.NewServer(server)
	defer ts.Close()
	baseURL := ts.URL + "/api/v1"

	t.Log("Step 1: Creating data source...")
	dsResp := makeRequest(t, "POST", baseURL+"/datasources", map[string]any{
		"name":   "Customers",
		"schema": map[string]string{"price": "number", "tier": "string"},
	})
	dsID := dsResp["id"].(string)

	t.Log("Step 2: Storing rows and rule...")
	makeRequest(t, "PUT", baseURL+"/datasources/"+dsID+"/rows", map[string]any{
		"rows": []map[string]any{
			{"id": "u1", "fields": map[string]any{"price": 150, "tier": "silver"}},
			{"id": "u2", "fields": map[string]any{"price": 50, "tier": "silver"}},
		},
	})
	var rule map[string]any
	if err := json.Unmarshal([]byte(premiumRuleJSON), &rule); err != nil {
		t.Fatal(err)
	}
	rule["actions"] = append(rule["actions"].([]any), map[string]any{
		"type":       "set_field",
		"parameters": map[string]any{"field": "tier", "value": "gold"},
	})
	ruleResp := makeRequest(t, "POST", baseURL+"/datasources/"+dsID+"/rules", rule)
	t.Logf("Created rule: %s", ruleResp["id"])

	t.Log("Step 3: Committing run...")
	report := makeRequest(t, "POST", baseURL+"/datasources/"+dsID+"/run", map[string]any{"mode": "commit"})
	stats := report["stats"].(map[string]any)
	if stats["rulesMatched"].(float64) != 1 {
		t.Errorf("Expected 1 match, got %v", stats)
	}

	t.Log("Step 4: Restarting server...")
	restarted, err := NewServerWithDB(context.Background(), testConfig(), db, nil)
	if err != nil {
		t.Fatalf("Failed to restart server: %v", err)
	}
	ts2 := httptest.NewServer(restarted)
	defer ts2.Close()

	members := makeRequest(t, "GET", ts2.URL+"/api/v1/datasources/"+dsID+"/groups/premium", nil)
	ids := members["rowIds"].([]any)
	if len(ids) != 1 || ids[0] != "u1" {
		t.Errorf("Expected [u1] in premium, got %v", ids)
	}

	var tier string
	if err := db.QueryRow(`SELECT fields->>'tier' FROM data_rows WHERE data_source_id = $1 AND id = 'u1'`, dsID).Scan(&tier); err != nil {
		t.Fatalf("Failed to read row: %v", err)
	}
	if tier != "gold" {
		t.Errorf("Expected tier gold, got %s", tier)
	}

	rulesResp := makeRequest(t, "GET", ts2.URL+"/api/v1/datasources/"+dsID+"/rules", nil)
	if list := rulesResp["rules"].([]any); len(list) != 1 {
		t.Errorf("Expected 1 rule after restart, got %d", len(list))
	}
}

// TestEndToEnd_UnsafeRuleNotStored verifies a rejected rule never reaches the database
func TestEndToEnd_UnsafeRuleNotStored(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	server, err := NewServerWithDB(context.Background(), testConfig(), db, nil)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	ts := httptest.NewServer(server)
	defer ts.Close()

	dsResp := makeRequest(t, "POST", ts.URL+"/api/v1/datasources", map[string]any{"name": "Leads"})
	dsID := dsResp["id"].(string)

	resp, err := makeHTTPRequest("POST", ts.URL+"/api/v1/datasources/"+dsID+"/rules", json.RawMessage(unsafeRuleJSON))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected 400, got %d: %s", resp.StatusCode, body)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM rules WHERE data_source_id = $1`, dsID).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("Expected no stored rules, got %d", count)
	}
}

// Helper function to make HTTP requests with an optional JSON body
func makeRequest(t *testing.T, method, url string, body any) map[string]any {
	t.Helper()
	resp, err := makeHTTPRequest(method, url, body)
	if err != nil {
		t.Fatalf("Failed to make %s request to %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return result
}

// Helper function to make raw HTTP requests
func makeHTTPRequest(method, url string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	return client.Do(req)
}
