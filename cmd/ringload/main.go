// Command ringload is a load/chaos harness for a running ring of
// ringkeeper nodes. It drives concurrent acquire/release traffic plus
// random kill/revive and detection-start calls against each node's
// control surface, and prints periodic throughput stats, the same shape
// as the teacher's distributed-queue-tests attack tool generalized from
// a single enqueue endpoint to this system's whole command surface.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	requestTimeout  = 5 * time.Second
	statsInterval   = 2 * time.Second
	killProbability = 0.02
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: ringload <resource_name> <control_addr>...")
		os.Exit(2)
	}
	resourceName := os.Args[1]
	addrs := os.Args[2:]

	stats := newStats()
	closing := make(chan struct{})

	for _, addr := range addrs {
		go driveNode(addr, resourceName, stats, closing)
	}

	go reportLoop(stats, closing)

	// Run until interrupted; reportLoop owns printing, driveNode owns
	// traffic, main just blocks forever.
	select {}
}

type stats struct {
	acquires chan struct{}
	releases chan struct{}
	kills    chan struct{}
	revives  chan struct{}
	errors   chan struct{}
}

func newStats() *stats {
	return &stats{
		acquires: make(chan struct{}, 1024),
		releases: make(chan struct{}, 1024),
		kills:    make(chan struct{}, 1024),
		revives:  make(chan struct{}, 1024),
		errors:   make(chan struct{}, 1024),
	}
}

func (s *stats) mark(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func reportLoop(s *stats, closing chan struct{}) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closing:
			return
		case <-ticker.C:
			fmt.Printf("acquires=%d releases=%d kills=%d revives=%d errors=%d\n",
				drain(s.acquires), drain(s.releases), drain(s.kills), drain(s.revives), drain(s.errors))
		}
	}
}

func drain(ch chan struct{}) int {
	n := 0
	for {
		select {
		case <-ch:
			n++
		default:
			return n
		}
	}
}

func driveNode(addr, resourceName string, s *stats, closing chan struct{}) {
	cli := &http.Client{Timeout: requestTimeout}
	base := "http://" + addr

	for {
		select {
		case <-closing:
			return
		default:
		}

		switch {
		case rand.Float64() < killProbability:
			if err := post(cli, base+"/kill", nil); err != nil {
				s.mark(s.errors)
			} else {
				s.mark(s.kills)
			}
			time.Sleep(statsInterval)
			if err := post(cli, base+"/revive", nil); err != nil {
				s.mark(s.errors)
			} else {
				s.mark(s.revives)
			}

		case rand.Float64() < 0.1:
			if err := post(cli, base+"/detection/start", nil); err != nil {
				s.mark(s.errors)
			}

		default:
			if err := post(cli, base+"/acquire", map[string]any{"resource": resourceName}); err != nil {
				s.mark(s.errors)
			} else {
				s.mark(s.acquires)
			}
			time.Sleep(10 * time.Millisecond)
			if err := post(cli, base+"/release", map[string]any{"resource": resourceName}); err != nil {
				s.mark(s.errors)
			} else {
				s.mark(s.releases)
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func post(cli *http.Client, url string, body map[string]any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(http.MethodPost, url, reader)
	if err != nil {
		return err
	}
	resp, err := cli.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: status %d", strings.TrimPrefix(url, "http://"), resp.StatusCode)
	}
	return nil
}
