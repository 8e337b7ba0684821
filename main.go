// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Slade66/media-tracker/internal/app"
	"github.com/Slade66/media-tracker/internal/config"
	"github.com/Slade66/media-tracker/internal/manager"
	"github.com/Slade66/media-tracker/pkg/fileinfo"
	"github.com/Slade66/media-tracker/pkg/job"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	exitAborted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a YAML config file")
	videoID := flag.String("video", "", "video id to download (required)")
	title := flag.String("title", "", "title shown in notifications")
	audio := flag.Bool("audio", false, "download the audio track only")
	resolution := flag.String("resolution", "720", "video resolution")
	quality := flag.String("quality", "128", "audio quality in kbps")
	persist := flag.Bool("persist", false, "use the configured storage backend instead of memory")
	flag.Parse()

	if *videoID == "" {
		fmt.Fprintln(os.Stderr, "error: -video is required")
		flag.Usage()
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitUsage
	}
	if !*persist {
		cfg.Storage.Backend = config.BackendMemory
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracker, err := app.New(ctx, &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailed
	}
	defer tracker.Close()

	tracker.Manager.Start(ctx)
	defer tracker.Manager.Shutdown()

	endpoint := manager.DefaultEndpoint
	payload := map[string]any{"videoId": *videoID, "title": *title, "resolution": *resolution}
	if *audio {
		endpoint = "download_audio"
		payload = map[string]any{"videoId": *videoID, "title": *title, "quality": *quality}
	}

	resp := tracker.Manager.SubmitJob(ctx, endpoint, payload)
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "submission failed: %s\n", resp.Message)
		return exitFailed
	}
	fmt.Printf("submitted %s (%s)\n", resp.JobID, resp.Message)

	final, outcome := follow(ctx, tracker.Manager, resp.JobID, 500*time.Millisecond)
	switch outcome {
	case followInterrupted:
		fmt.Fprintln(os.Stderr, "interrupted")
		return exitAborted
	case followVanished:
		fmt.Fprintf(os.Stderr, "job %s is no longer tracked\n", resp.JobID)
		return exitFailed
	}

	if final.Status != job.StatusComplete {
		fmt.Fprintf(os.Stderr, "download %s: %s\n", final.Status, final.Message)
		return exitFailed
	}
	fmt.Printf("ready: %s", final.DownloadURL)
	if size, err := artifactSize(ctx, final); err == nil {
		fmt.Printf(" (%.2f MB)", size)
	}
	fmt.Println()
	return exitOK
}

type followOutcome int

const (
	followFinished followOutcome = iota
	followInterrupted
	followVanished
)

// jobSource 是 follow 需要的 manager 子集
type jobSource interface {
	Get(id string) (job.DownloadJob, bool)
}

// follow 打印任务的每一次状态变化，直到任务进入终态、被移除或 ctx 被取消
func follow(ctx context.Context, m jobSource, id string, every time.Duration) (job.DownloadJob, followOutcome) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var last job.Status
	for {
		j, ok := m.Get(id)
		if !ok {
			return job.DownloadJob{}, followVanished
		}
		if j.Status != last {
			fmt.Printf("[%s] %s\n", j.Status, j.Message)
			last = j.Status
		}
		if j.Status.IsTerminal() {
			return j, followFinished
		}

		select {
		case <-ctx.Done():
			return j, followInterrupted
		case <-ticker.C:
		}
	}
}

// artifactSize 优先使用服务器上报的文件大小，没有时对下载地址发送 HEAD 请求
func artifactSize(ctx context.Context, j job.DownloadJob) (float64, error) {
	if j.FileSizeMB != nil {
		return *j.FileSizeMB, nil
	}
	info, err := fileinfo.Get(ctx, nil, j.DownloadURL)
	if err != nil {
		return 0, err
	}
	return info.SizeMB(), nil
}
