// query fetches stored threat events, either through the ns-api HTTP
// endpoints or straight from ClickHouse.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

func main() {
	mode := flag.String("mode", "api", "Query mode: 'api' to query via ns-api, 'direct' to query ClickHouse directly.")
	apiBase := flag.String("api", "http://localhost:8080", "Base URL of the ns-api server.")
	level := flag.String("level", "", "Filter by threat level name (optional).")
	window := flag.String("window", "24h", "Look-back window as a Go duration.")
	limit := flag.Int("limit", 20, "Maximum number of threats to list.")

	chAddr := flag.String("ch-addr", "127.0.0.1:9000", "ClickHouse address for direct mode.")
	chDatabase := flag.String("ch-db", "netsentry", "ClickHouse database for direct mode.")
	chUser := flag.String("ch-user", "default", "ClickHouse username for direct mode.")
	chPassword := flag.String("ch-pass", "", "ClickHouse password for direct mode.")

	flag.Parse()

	log.Printf("Running in '%s' mode.", *mode)

	switch *mode {
	case "api":
		queryViaAPI(*apiBase, *level, *window, *limit)
	case "direct":
		directQueryClickHouse(*chAddr, *chDatabase, *chUser, *chPassword, *level, *window)
	default:
		log.Fatalf("Invalid mode: %s. Use 'api' or 'direct'.", *mode)
	}
}

func queryViaAPI(base, level, window string, limit int) {
	params := url.Values{}
	if level != "" {
		params.Set("level", level)
	}
	if window != "" {
		params.Set("window", window)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	apiURL := fmt.Sprintf("%s/api/v1/threats?%s", strings.TrimRight(base, "/"), params.Encode())

	log.Printf("Sending request to %s", apiURL)

	resp, err := http.Get(apiURL)
	if err != nil {
		log.Fatalf("Error sending request: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Error reading response body: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Fatalf("API returned non-200 status code: %d\nResponse: %s", resp.StatusCode, string(respBody))
	}

	var prettyJSON bytes.Buffer
	if err := json.Indent(&prettyJSON, respBody, "", "  "); err != nil {
		log.Printf("Could not prettify JSON, printing raw response:")
		fmt.Println(string(respBody))
		return
	}

	log.Println("---")
	fmt.Println(prettyJSON.String())
}

func directQueryClickHouse(addr, database, user, password, level, windowStr string) {
	connOpts := clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: user,
			Password: password,
		},
	}

	var queryBuilder strings.Builder
	queryBuilder.WriteString(`
		SELECT
			Level,
			count() AS Events,
			max(Score) AS MaxScore,
			max(Timestamp) AS LastSeen
		FROM threat_events
	`)

	var whereClauses []string
	args := []interface{}{}

	if windowStr != "" {
		window, err := time.ParseDuration(windowStr)
		if err != nil {
			log.Fatalf("Invalid window duration: %v", err)
		}
		whereClauses = append(whereClauses, "Timestamp >= ?")
		args = append(args, time.Now().Add(-window))
	}
	if level != "" {
		whereClauses = append(whereClauses, "Level = ?")
		args = append(args, level)
	}
	if len(whereClauses) > 0 {
		queryBuilder.WriteString(" WHERE " + strings.Join(whereClauses, " AND "))
	}
	queryBuilder.WriteString(" GROUP BY Level ORDER BY Events DESC")

	conn, err := clickhouse.Open(&connOpts)
	if err != nil {
		log.Fatalf("Error connecting to ClickHouse: %v", err)
	}
	defer conn.Close()

	log.Println("Successfully connected to ClickHouse.")

	rows, err := conn.Query(context.Background(), queryBuilder.String(), args...)
	if err != nil {
		log.Fatalf("Error executing query: %v", err)
	}
	defer rows.Close()

	log.Println("--- Threat Summary (Direct) ---")

	var foundResult bool
	for rows.Next() {
		foundResult = true
		var (
			queriedLevel string
			events       uint64
			maxScore     float64
			lastSeen     time.Time
		)

		if err := rows.Scan(&queriedLevel, &events, &maxScore, &lastSeen); err != nil {
			log.Printf("Error scanning row: %v", err)
			continue
		}

		fmt.Printf("Level: %s\n", queriedLevel)
		fmt.Printf("  Events: %d\n", events)
		fmt.Printf("  MaxScore: %.3f\n", maxScore)
		fmt.Printf("  LastSeen: %s\n", lastSeen.Format(time.RFC3339))
		fmt.Println("---------------------")
	}

	if !foundResult {
		log.Println("No data found for the specified criteria.")
	}

	if err := rows.Err(); err != nil {
		log.Printf("An error occurred during row iteration: %v", err)
	}
}
