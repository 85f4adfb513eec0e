// Command reconctl submits reconstruction jobs to a reconhub server and
// follows them to completion.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/kiranshivaraju/reconhub/pkg/client"
	"github.com/kiranshivaraju/reconhub/pkg/models"
)

const usage = `usage: reconctl [flags] <command> [args]

commands:
  methods                      list reconstruction methods
  datasets                     list built-in datasets
  gpu                          show GPU status
  submit [images...]           submit a job and wait for it
  status <job_id>              show a job
  cancel <job_id>              cancel a job
  download <job_id> <file>     download one result file
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "reconctl:", err)
		var failed *client.JobFailedError
		if errors.As(err, &failed) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type options struct {
	server     string
	apiKey     string
	method     string
	dataset    string
	resolution string
	jobID      string
	params     string
	interval   time.Duration
	outDir     string
	noWait     bool
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var o options
	fs := flag.NewFlagSet("reconctl", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage+"\nflags:\n")
		fs.PrintDefaults()
	}
	fs.StringVar(&o.server, "server", envOr("RECON_SERVER", "http://localhost:8000"), "reconhub base URL")
	fs.StringVar(&o.apiKey, "key", os.Getenv("RECON_API_KEY"), "API key for mutating requests")
	fs.StringVar(&o.method, "method", string(models.MethodCOLMAP), "reconstruction method")
	fs.StringVar(&o.dataset, "dataset", "", "built-in dataset name (instead of images)")
	fs.StringVar(&o.resolution, "resolution", "", "dataset resolution tier, e.g. images_4")
	fs.StringVar(&o.jobID, "job-id", "", "client chosen job id")
	fs.StringVar(&o.params, "params", "", "method parameters as a JSON object")
	fs.DurationVar(&o.interval, "interval", client.DefaultPollInterval, "status poll interval")
	fs.StringVar(&o.outDir, "out", ".", "directory for downloaded results")
	fs.BoolVar(&o.noWait, "no-wait", false, "return after submitting")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	c := client.New(o.server, client.WithAPIKey(o.apiKey))
	rest := fs.Args()[1:]

	switch cmd := fs.Arg(0); cmd {
	case "methods":
		return listMethods(ctx, c, out)
	case "datasets":
		return listDatasets(ctx, c, out)
	case "gpu":
		st, err := c.GPUStatus(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, st)
	case "submit":
		return submit(ctx, c, o, rest, out)
	case "status":
		if len(rest) != 1 {
			return errors.New("status needs a job id")
		}
		job, err := c.Status(ctx, rest[0])
		if err != nil {
			return err
		}
		return printJSON(out, job)
	case "cancel":
		if len(rest) != 1 {
			return errors.New("cancel needs a job id")
		}
		job, err := c.Cancel(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s: %s\n", job.ID, job.Status, job.Error)
		return nil
	case "download":
		if len(rest) != 2 {
			return errors.New("download needs a job id and a file name")
		}
		_, err := download(ctx, c, rest[0], rest[1], o.outDir, out)
		return err
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func submit(ctx context.Context, c *client.Client, o options, images []string, out io.Writer) error {
	req := client.SubmitRequest{
		JobID:       o.jobID,
		Method:      models.Method(o.method),
		DatasetName: o.dataset,
		Resolution:  o.resolution,
	}
	if o.params != "" {
		if err := json.Unmarshal([]byte(o.params), &req.Parameters); err != nil {
			return fmt.Errorf("-params must be a JSON object: %w", err)
		}
	}

	switch {
	case o.dataset != "" && len(images) > 0:
		return errors.New("give either -dataset or image files, not both")
	case o.dataset == "":
		files, err := expandImages(images)
		if err != nil {
			return err
		}
		up, err := c.Upload(ctx, files)
		if err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		fmt.Fprintf(out, "uploaded %d images as %s\n", up.FileCount, up.ID)
		req.UploadID = up.ID
	}

	resp, err := c.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Fprintf(out, "job %s submitted (%s, estimated %s)\n", resp.JobID, resp.Method, resp.EstimatedTime)
	if o.noWait {
		return nil
	}

	p := &client.Poller{
		Client:   c,
		Interval: o.interval,
		OnTick: func(j *models.Job) {
			fmt.Fprintf(out, "%s  %-9s %3d%%  %s\n", time.Now().Format(time.TimeOnly), j.Status, j.Progress, j.Stage)
		},
	}
	job, err := p.Poll(ctx, resp.JobID)
	if err != nil {
		return err
	}

	if job.Metrics != nil {
		fmt.Fprintf(out, "completed: %d points in %.1fs\n", job.Metrics.Points, job.Metrics.ProcessingTimeSeconds)
	}
	if job.OutputRef == "" {
		fmt.Fprintln(out, "job produced no primary output")
		return nil
	}
	_, err = download(ctx, c, job.ID, job.OutputRef, o.outDir, out)
	return err
}

// expandImages turns directories into the image files they contain.
func expandImages(args []string) ([]string, error) {
	if len(args) == 0 {
		return nil, errors.New("give image files, a directory, or -dataset")
	}
	var files []string
	for _, a := range args {
		info, err := os.Stat(a)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, a)
			continue
		}
		entries, err := os.ReadDir(a)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() {
				files = append(files, filepath.Join(a, e.Name()))
			}
		}
	}
	if len(files) == 0 {
		return nil, errors.New("no files found")
	}
	return files, nil
}

func download(ctx context.Context, c *client.Client, jobID, file, outDir string, out io.Writer) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(outDir, jobID+"_"+path.Base(file))
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	n, err := c.Download(ctx, jobID, file, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("download %s: %w", file, err)
	}
	fmt.Fprintf(out, "saved %s (%d bytes)\n", dst, n)
	return dst, nil
}

func listMethods(ctx context.Context, c *client.Client, out io.Writer) error {
	methods, err := c.Methods(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tGPU\tAVAILABLE\tESTIMATE")
	for _, m := range methods {
		gpu := "optional"
		if m.GPURequired {
			gpu = "required"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", m.ID, m.Name, gpu, m.Available, m.EstimatedTime)
	}
	return tw.Flush()
}

func listDatasets(ctx context.Context, c *client.Client, out io.Writer) error {
	datasets, err := c.Datasets(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tAVAILABLE\tTIERS")
	for _, d := range datasets {
		tiers := ""
		for _, t := range d.Tiers {
			if t.Available {
				tiers += fmt.Sprintf("%s(%d) ", t.Name, t.ImageCount)
			}
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\n", d.Name, d.Available, tiers)
	}
	return tw.Flush()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
