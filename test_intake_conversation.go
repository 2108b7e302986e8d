package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Manual smoke test against a running intake engine. Starts no services of
// its own: point INTAKE_ENGINE_URL at a deployment (default localhost) and
// run it directly with `go run test_intake_conversation.go`.
const (
	DEFAULT_ENGINE_URL = "http://localhost:8080"
	TEST_TIMEOUT       = 30 * time.Second
)

type TestResult struct {
	TestName string
	Success  bool
	Error    error
	Details  string
}

type sessionInfo struct {
	SessionID string `json:"session_id"`
	Greeting  string `json:"greeting"`
	Token     string `json:"token"`
	Phase     string `json:"phase"`
}

type turnResult struct {
	Response string `json:"response"`
	Turn     int    `json:"turn"`
	Complete bool   `json:"complete"`
}

type wsFrame struct {
	Result *turnResult `json:"result,omitempty"`
	Error  *struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	} `json:"error,omitempty"`
}

func main() {
	log.Println("🚀 Starting Intake Engine conversation smoke test")

	engineURL := os.Getenv("INTAKE_ENGINE_URL")
	if engineURL == "" {
		engineURL = DEFAULT_ENGINE_URL
	}

	results := []TestResult{}

	// Test 1: The engine answers its health check
	results = append(results, testHealthEndpoint(engineURL))

	// Test 2: A pre-screening submission opens a session
	session, createResult := testSessionCreation(engineURL)
	results = append(results, createResult)

	if session != nil {
		// Test 3: A turn travels the REST endpoint
		results = append(results, testRESTTurn(engineURL, session))

		// Test 4: The WebSocket stream carries turns
		results = append(results, testWebSocketTurn(engineURL, session))

		// Test 5: A foreign token is refused
		results = append(results, testScopeEnforcement(engineURL, session))
	}

	// Report
	log.Println("\n📋 Results:")
	failures := 0
	for _, result := range results {
		status := "✅ PASS"
		if !result.Success {
			status = "❌ FAIL"
			failures++
		}
		log.Printf("%s %s", status, result.TestName)
		if result.Details != "" {
			log.Printf("      %s", result.Details)
		}
		if result.Error != nil {
			log.Printf("      error: %v", result.Error)
		}
	}

	if failures > 0 {
		log.Fatalf("%d of %d tests failed", failures, len(results))
	}
	log.Printf("All %d tests passed", len(results))
}

func testHealthEndpoint(engineURL string) TestResult {
	name := "Health endpoint"

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(engineURL + "/health")
	if err != nil {
		return TestResult{TestName: name, Error: err}
	}
	defer resp.Body.Close()

	var health map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return TestResult{TestName: name, Error: err}
	}

	return TestResult{
		TestName: name,
		Success:  resp.StatusCode == http.StatusOK,
		Details:  fmt.Sprintf("status=%v model=%v db=%v", health["status"], health["model_gateway"], health["database"]),
	}
}

func testSessionCreation(engineURL string) (*sessionInfo, TestResult) {
	name := "Session creation"

	body, _ := json.Marshal(map[string]interface{}{
		"name":              "Smoke Test",
		"email":             fmt.Sprintf("smoke-%d@example.com", time.Now().UnixNano()),
		"company":           "Smoke Testing Inc",
		"category":          "customer_support",
		"brief_description": "A support assistant smoke test",
		"pre_selected_tier": "basic",
	})

	client := &http.Client{Timeout: TEST_TIMEOUT}
	resp, err := client.Post(engineURL+"/api/v1/sessions", "application/json", bytes.NewBuffer(body))
	if err != nil {
		return nil, TestResult{TestName: name, Error: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, TestResult{TestName: name, Error: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var session sessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, TestResult{TestName: name, Error: err}
	}
	if session.SessionID == "" || session.Token == "" {
		return nil, TestResult{TestName: name, Error: fmt.Errorf("incomplete session response")}
	}

	return &session, TestResult{
		TestName: name,
		Success:  true,
		Details:  fmt.Sprintf("session=%s phase=%s greeting=%q", session.SessionID, session.Phase, truncate(session.Greeting, 60)),
	}
}

func testRESTTurn(engineURL string, session *sessionInfo) TestResult {
	name := "REST conversation turn"

	body, _ := json.Marshal(map[string]string{
		"message": "I want an assistant that answers shipping questions for my shop.",
	})

	req, err := http.NewRequest(http.MethodPost,
		engineURL+"/api/v1/sessions/"+session.SessionID+"/messages", bytes.NewBuffer(body))
	if err != nil {
		return TestResult{TestName: name, Error: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+session.Token)

	client := &http.Client{Timeout: TEST_TIMEOUT}
	resp, err := client.Do(req)
	if err != nil {
		return TestResult{TestName: name, Error: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TestResult{TestName: name, Error: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var result turnResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return TestResult{TestName: name, Error: err}
	}
	if strings.Contains(result.Response, "<!--intake:") {
		return TestResult{TestName: name, Error: fmt.Errorf("progress marker leaked into response")}
	}

	return TestResult{
		TestName: name,
		Success:  result.Turn >= 1,
		Details:  fmt.Sprintf("turn=%d response=%q", result.Turn, truncate(result.Response, 60)),
	}
}

func testWebSocketTurn(engineURL string, session *sessionInfo) TestResult {
	name := "WebSocket conversation turn"

	wsURL := "ws" + strings.TrimPrefix(engineURL, "http") +
		"/api/v1/sessions/" + session.SessionID + "/ws"
	header := http.Header{"Authorization": []string{"Bearer " + session.Token}}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		if resp != nil {
			return TestResult{TestName: name, Error: fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)}
		}
		return TestResult{TestName: name, Error: err}
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"message": "It should also track return labels."}); err != nil {
		return TestResult{TestName: name, Error: err}
	}

	conn.SetReadDeadline(time.Now().Add(TEST_TIMEOUT))
	var frame wsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return TestResult{TestName: name, Error: err}
	}
	if frame.Error != nil {
		return TestResult{TestName: name, Error: fmt.Errorf("engine error frame: %s (%s)", frame.Error.Error, frame.Error.Code)}
	}
	if frame.Result == nil {
		return TestResult{TestName: name, Error: fmt.Errorf("empty frame")}
	}

	return TestResult{
		TestName: name,
		Success:  true,
		Details:  fmt.Sprintf("turn=%d response=%q", frame.Result.Turn, truncate(frame.Result.Response, 60)),
	}
}

func testScopeEnforcement(engineURL string, session *sessionInfo) TestResult {
	name := "Session scope enforcement"

	// A second session's token must not reach the first session
	body, _ := json.Marshal(map[string]interface{}{
		"name":              "Other Customer",
		"email":             fmt.Sprintf("other-%d@example.com", time.Now().UnixNano()),
		"pre_selected_tier": "basic",
	})

	client := &http.Client{Timeout: TEST_TIMEOUT}
	resp, err := client.Post(engineURL+"/api/v1/sessions", "application/json", bytes.NewBuffer(body))
	if err != nil {
		return TestResult{TestName: name, Error: err}
	}
	defer resp.Body.Close()

	var other sessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&other); err != nil {
		return TestResult{TestName: name, Error: err}
	}

	req, err := http.NewRequest(http.MethodGet,
		engineURL+"/api/v1/sessions/"+session.SessionID, nil)
	if err != nil {
		return TestResult{TestName: name, Error: err}
	}
	req.Header.Set("Authorization", "Bearer "+other.Token)

	crossResp, err := client.Do(req)
	if err != nil {
		return TestResult{TestName: name, Error: err}
	}
	defer crossResp.Body.Close()

	return TestResult{
		TestName: name,
		Success:  crossResp.StatusCode == http.StatusForbidden,
		Details:  fmt.Sprintf("cross-session access returned %d", crossResp.StatusCode),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
