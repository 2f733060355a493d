package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
)

type options struct {
	BaseURL string `long:"url" env:"PIPELINE_URL" default:"http://localhost:8081" description:"Pipeline server base URL"`
	Secret  string `long:"secret" env:"ADMIN_SECRET" required:"true" description:"Admin secret"`
	Drain   bool   `long:"drain" description:"Start a background drain job instead of processing one item"`
	Poll    string `long:"poll" description:"Poll the feed with this id (or 'all') before running"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	base := strings.TrimSuffix(opts.BaseURL, "/")

	if opts.Poll != "" {
		path := "/api/v1/feeds/" + opts.Poll + "/poll"
		if opts.Poll == "all" {
			path = "/api/v1/feeds/poll"
		}
		if !post(client, base+path, opts.Secret) {
			os.Exit(1)
		}
	}

	path := "/api/v1/pipeline/run"
	if opts.Drain {
		path = "/api/v1/pipeline/drain"
	}
	if !post(client, base+path, opts.Secret) {
		os.Exit(1)
	}
}

func post(client *http.Client, url, secret string) bool {
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		fmt.Printf("Error creating request: %v\n", err)
		return false
	}
	req.Header.Set("X-Admin-Secret", secret)
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("Error sending request: %v\n", err)
		return false
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	fmt.Printf("%s %s\n%s\n", resp.Status, url, strings.TrimSpace(string(body)))
	return resp.StatusCode < 300
}
