// doppler-bench drives the kernel dispatcher, auto-tuner, and profiler
// from the command line against the first available GPU.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gogpu/doppler/backend/native"
	"github.com/gogpu/doppler/device"
	"github.com/gogpu/doppler/dispatch"
	"github.com/gogpu/doppler/dtype"
	"github.com/gogpu/doppler/gpucore"
	"github.com/gogpu/doppler/pipeline"
	"github.com/gogpu/doppler/profiler"
	"github.com/gogpu/doppler/shaders"
	"github.com/gogpu/doppler/tuner"
)

var (
	dimM       uint32
	dimN       uint32
	dimK       uint32
	forceRetune bool
	warmup     int
	iterations int
	cacheDir   string
	verbose    bool
)

// session bundles the standalone device with the component graph the
// subcommands need.
type session struct {
	dev      *native.StandaloneDevice
	registry *device.Registry
	engine   *dispatch.Engine
	cache    *pipeline.Cache
}

func openSession() (*session, error) {
	dev, err := native.OpenStandalone()
	if err != nil {
		return nil, err
	}
	reg := device.NewRegistry(dev.Adapter, dev.Adapter.RegistryLimits(), nil, dev.Info)
	cache := pipeline.NewCache(reg, pipeline.NewFSSource(shaders.FS, "."))
	dispatch.RegisterKernels(cache)
	return &session{
		dev:      dev,
		registry: reg,
		engine:   dispatch.NewEngine(reg, dtype.NewRegistry(), cache),
		cache:    cache,
	}, nil
}

func (s *session) close() { s.dev.Close() }

var rootCmd = &cobra.Command{
	Use:   "doppler-bench",
	Short: "Benchmark and tune doppler's GPU compute kernels",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			l := slog.New(slog.NewTextHandler(os.Stderr, nil))
			dispatch.SetLogger(l)
			pipeline.SetLogger(l)
			profiler.SetLogger(l)
			tuner.SetLogger(l)
			dtype.SetLogger(l)
		}
	},
}

var tuneCmd = &cobra.Command{
	Use:   "tune [kernel]",
	Short: "Search workgroup-size candidates for a kernel and persist the best",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		store, err := tuner.NewFileStore(cacheDir)
		if err != nil {
			return err
		}
		ctx := context.Background()
		t := tuner.New(ctx, s.registry, store)

		result, err := t.TuneKernel(ctx, args[0], []uint32{dimM, dimN, dimK}, tuner.Options{
			ForceRetune: forceRetune,
			Warmup:      warmup,
			Iterations:  iterations,
		})
		if err != nil {
			return err
		}
		fmt.Printf("kernel:      %s [%d %d %d]\n", args[0], dimM, dimN, dimK)
		fmt.Printf("workgroup:   %v\n", result.OptimalWorkgroupSize)
		fmt.Printf("tile:        %d\n", result.OptimalTileSize)
		fmt.Printf("time:        %.3f ms\n", result.TimeMs)
		fmt.Printf("throughput:  %.1f GFLOPS\n", result.Throughput)
		return nil
	},
}

var prewarmCmd = &cobra.Command{
	Use:   "prewarm",
	Short: "Eagerly compile every kernel variant the device supports",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		start := time.Now()
		s.cache.Prewarm(context.Background())
		fmt.Printf("prewarm finished in %v\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Profile representative kernel dispatches",
}

var profileReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Run a short matmul burst under the profiler and print per-label statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()

		prof, err := profiler.New(s.dev.Adapter)
		if err != nil {
			return err
		}
		defer prof.Close()

		ctx := context.Background()
		adapter := s.dev.Adapter

		a, err := adapter.CreateBuffer(int(dimM*dimK)*4, gpucore.BufferUsageStorage|gpucore.BufferUsageCopyDst)
		if err != nil {
			return err
		}
		defer adapter.DestroyBuffer(a)
		b, err := adapter.CreateBuffer(int(dimK*dimN)*4, gpucore.BufferUsageStorage|gpucore.BufferUsageCopyDst)
		if err != nil {
			return err
		}
		defer adapter.DestroyBuffer(b)

		aRef := dispatch.Ref{ID: a, Size: uint64(dimM*dimK) * 4}
		bRef := dispatch.Ref{ID: b, Size: uint64(dimK*dimN) * 4}

		for i := 0; i < iterations; i++ {
			prof.Begin("matmul")
			out, err := s.engine.Matmul(ctx, aRef, bRef, dimM, dimN, dimK, dispatch.MatmulOptions{Alpha: 1})
			if err != nil {
				return err
			}
			prof.End("matmul")
			adapter.WaitIdle()
			adapter.DestroyBuffer(out)
		}
		if err := prof.Resolve(); err != nil {
			return err
		}
		fmt.Print(prof.Report(time.Microsecond))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log dispatcher diagnostics to stderr")
	rootCmd.PersistentFlags().Uint32Var(&dimM, "m", 512, "Matrix rows (M)")
	rootCmd.PersistentFlags().Uint32Var(&dimN, "n", 512, "Matrix columns (N)")
	rootCmd.PersistentFlags().Uint32Var(&dimK, "k", 512, "Inner dimension (K)")

	tuneCmd.Flags().BoolVar(&forceRetune, "force", false, "Bypass the cached result and re-run the search")
	tuneCmd.Flags().IntVar(&warmup, "warmup", 3, "Warmup dispatches per candidate")
	tuneCmd.Flags().IntVar(&iterations, "iterations", 10, "Timed dispatches per candidate")
	tuneCmd.Flags().StringVar(&cacheDir, "cache-dir", "", "Tuner cache directory (default: user cache dir)")

	profileReportCmd.Flags().IntVar(&iterations, "iterations", 20, "Dispatches to profile")

	profileCmd.AddCommand(profileReportCmd)
	rootCmd.AddCommand(tuneCmd, prewarmCmd, profileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
