package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"babel/doctor"
	"babel/encoder"
	"babel/log"
	"babel/mockserver"
	"babel/playback"
	"babel/transport"

	"github.com/spf13/cobra"
)

func init() {
	translateCmd.Flags().Bool("no-play", false, "print the translation without playing it")
}

func runTranslate(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	log.InitConsole(os.Stderr)
	defer log.Close()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	pcm, err := encoder.DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	samples := downmix(pcm)
	blob, err := encoder.EncodeUtterance(cfg.UtteranceFormat, samples, pcm.SampleRate)
	if err != nil {
		return err
	}
	log.Infof("%s: %.1fs at %d Hz, %s upload %.1f KB",
		args[0], pcm.Duration().Seconds(), pcm.SampleRate, cfg.UtteranceFormat, float64(len(blob.Data))/1024)

	client := transport.NewClient(cfg.BackendURL, nil, nil)
	reqCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	res, err := client.Translate(reqCtx, blob, cfg.SourceLang, cfg.TargetLang)
	cancel()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %s\n", cfg.SourceLang, strings.TrimSpace(res.OriginalText))
	fmt.Fprintf(out, "%s: %s\n", cfg.TargetLang, strings.TrimSpace(res.TranslatedText))

	noPlay, _ := cmd.Flags().GetBool("no-play")
	if noPlay || len(res.Audio) == 0 {
		return nil
	}
	player, err := playback.NewDevice()
	if err != nil {
		return fmt.Errorf("playback init: %w", err)
	}
	defer player.Close()

	rate := res.SampleRate
	if rate <= 0 {
		rate = playback.DefaultSampleRate
	}
	return player.Play(ctx, res.Audio, rate)
}

// downmix averages interleaved channels into mono.
func downmix(a encoder.PCMAudio) []int16 {
	if a.Channels <= 1 {
		return a.Samples
	}
	out := make([]int16, len(a.Samples)/a.Channels)
	for i := range out {
		var sum int
		for ch := 0; ch < a.Channels; ch++ {
			sum += int(a.Samples[i*a.Channels+ch])
		}
		out[i] = int16(sum / a.Channels)
	}
	return out
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	actx, player, err := openDevices()
	if err != nil {
		return err
	}
	defer actx.Close()
	defer player.Close()

	device, err := resolveDevice(actx, cfg.Device)
	if err != nil {
		return err
	}
	opts := doctor.Options{
		BackendURL: cfg.BackendURL,
		SourceLang: cfg.SourceLang,
		TargetLang: cfg.TargetLang,
		SampleRate: cfg.SampleRate,
		Format:     cfg.UtteranceFormat,
		Device:     device,
		Audio:      actx,
		Player:     player,
		Out:        cmd.OutOrStdout(),
	}
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		opts.In = os.Stdin
	}
	if code := doctor.Run(ctx, opts); code != 0 {
		os.Exit(code)
	}
	return nil
}

func runMockBackend(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	log.InitConsole(os.Stderr)
	defer log.Close()

	flags := cmd.Flags()
	addr, _ := flags.GetString("addr")
	latency, _ := flags.GetDuration("latency")
	skip, _ := flags.GetBool("skip-silence")
	batchErr, _ := flags.GetString("batch-error")
	verbose, _ := flags.GetBool("verbose")

	s := mockserver.New(mockserver.Options{
		Latency:     latency,
		SkipSilence: skip,
		BatchError:  batchErr,
		AccessLog:   verbose,
	})
	errc := make(chan error, 1)
	go func() { errc <- s.Listen(addr) }()
	log.Infof("mock backend listening on http://%s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	st := s.Stats()
	log.Infof("mock backend stopping: %d connections, %d chunks, %d results, %d batches",
		st.Connections, st.Chunks, st.Results, st.Batches)
	return s.Shutdown()
}
