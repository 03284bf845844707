// Command loadtester floods the api with message jobs and reports throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// MessageJob mirrors the api's job document.
type MessageJob struct {
	Kind        string `json:"kind"`
	Email       string `json:"email,omitempty"`
	ChatID      string `json:"chat_id,omitempty"`
	ChatName    string `json:"chat_name,omitempty"`
	AppTag      string `json:"app_tag,omitempty"`
	HTMLContent string `json:"html_content"`
}

const StreamName = "TEAMS"

type result struct {
	ok      bool
	latency time.Duration
}

func main() {
	_ = godotenv.Load()

	defaultNats := os.Getenv("NATS_URL")
	if defaultNats == "" {
		defaultNats = nats.DefaultURL
	}

	count := flag.Int("count", 100, "Total number of message jobs to submit")
	concurrency := flag.Int("concurrency", 10, "Number of concurrent submitters")
	kind := flag.String("kind", "user_message", "Job kind: user_message or group_message")
	target := flag.String("target", "test@example.com", "Email for user jobs, chat name for group jobs")
	appTag := flag.String("tag", "", "App tag for group jobs, overrides -target")
	apiURL := flag.String("url", "http://localhost:8080/messages", "URL of the api messages endpoint")
	natsURL := flag.String("nats", defaultNats, "URL of the NATS server")
	purgeQueue := flag.Bool("purge", false, "Purge the TEAMS stream before running the test")
	perSecond := flag.Float64("rate", 0, "Maximum requests per second across all submitters, 0 means unlimited")
	flag.Parse()

	if *purgeQueue {
		if err := purgeStream(*natsURL); err != nil {
			logrus.WithError(err).Fatal("Failed to purge stream")
		}
	}

	template := MessageJob{Kind: *kind}
	switch {
	case *kind == "user_message":
		template.Email = *target
	case *appTag != "":
		template.AppTag = *appTag
	default:
		template.ChatName = *target
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if *perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(*perSecond), 1)
	}

	runLoadTest(*count, *concurrency, template, *apiURL, limiter)
}

func purgeStream(natsURL string) error {
	logrus.WithField("url", natsURL).Info("Connecting to NATS to purge stream")
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("error connecting to NATS: %w", err)
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("error creating JetStream context: %w", err)
	}
	if err := js.PurgeStream(StreamName); err != nil {
		return err
	}
	logrus.WithField("stream", StreamName).Info("Stream purged")
	return nil
}

func runLoadTest(count, concurrency int, template MessageJob, apiURL string, limiter *rate.Limiter) {
	logrus.WithFields(logrus.Fields{
		"count":       count,
		"concurrency": concurrency,
		"kind":        template.Kind,
		"url":         apiURL,
	}).Info("Starting load test")

	jobs := make(chan MessageJob, count)
	results := make(chan result, count)
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go submitter(i+1, apiURL, limiter, jobs, results, &wg)
	}

	startTime := time.Now()
	for i := 0; i < count; i++ {
		job := template
		job.HTMLContent = fmt.Sprintf("<p>Load test message %d/%d at %s</p>", i+1, count, time.Now().Format(time.RFC3339))
		jobs <- job
	}
	close(jobs)
	wg.Wait()
	close(results)
	duration := time.Since(startTime)

	var latencies []time.Duration
	successCount := 0
	for r := range results {
		if r.ok {
			successCount++
			latencies = append(latencies, r.latency)
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	logrus.WithFields(logrus.Fields{
		"total":      count,
		"successful": successCount,
		"failed":     count - successCount,
		"duration":   duration.Round(time.Millisecond).String(),
		"rps":        fmt.Sprintf("%.2f", float64(count)/duration.Seconds()),
		"p50":        percentile(latencies, 50).String(),
		"p99":        percentile(latencies, 99).String(),
	}).Info("Load test complete")
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[(len(sorted)-1)*p/100]
}

func submitter(id int, apiURL string, limiter *rate.Limiter, jobs <-chan MessageJob, results chan<- result, wg *sync.WaitGroup) {
	defer wg.Done()
	client := &http.Client{Timeout: 10 * time.Second}
	logger := logrus.WithField("submitter", id)
	for job := range jobs {
		if err := limiter.Wait(context.Background()); err != nil {
			logger.WithError(err).Error("Rate limiter failed")
			results <- result{}
			continue
		}
		start := time.Now()
		jobID, err := submit(client, apiURL, job)
		if err != nil {
			logger.WithError(err).Error("Request failed")
			results <- result{}
			continue
		}
		logger.WithField("job_id", jobID).Debug("Request accepted")
		results <- result{ok: true, latency: time.Since(start)}
	}
}

func submit(client *http.Client, apiURL string, job MessageJob) (string, error) {
	payloadBytes, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, apiURL, bytes.NewReader(payloadBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("api returned non-202 status: %s", resp.Status)
	}

	var accepted struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return accepted.JobID, nil
}
