package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/cloudwebrtc/go-media-relay/pkg/codec"
	"github.com/cloudwebrtc/go-media-relay/pkg/config"
	"github.com/cloudwebrtc/go-media-relay/pkg/relay"
	"github.com/cloudwebrtc/go-media-relay/pkg/rtp"
	"github.com/cloudwebrtc/go-media-relay/pkg/sdputil"
	"github.com/cloudwebrtc/go-media-relay/pkg/utils"
	"github.com/google/uuid"
	"github.com/pixelbender/go-sdp/sdp"
	"golang.org/x/sync/errgroup"
)

func completer(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "bridges", Description: "Show bridges and their streams"},
		{Text: "table", Description: "Show the handler table of a stream: table <stream-id>"},
		{Text: "stats", Description: "Show stream counters"},
		{Text: "negotiate", Description: "Negotiate an offer against the policy: negotiate PCMU,8,opus/48000/2"},
		{Text: "loggers", Description: "Show log levels"},
		{Text: "exit", Description: "Exit"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func usage() {
	fmt.Fprintf(os.Stderr, `media relay version: relayctl/1.0.0
Usage: relayctl [-c relay.ini] [-offer a.sdp [-answer b.sdp]] [-nc]

Options:
`)
	flag.PrintDefaults()
}

func printBridges(engine *relay.Engine) {
	bridges := engine.Bridges()
	if len(bridges) == 0 {
		fmt.Printf("No bridges\n")
		return
	}
	for _, b := range bridges {
		fmt.Printf("Bridge %v (%v):\n", b.ID(), b.MediaType())
		for _, leg := range []relay.Leg{relay.LegA, relay.LegB} {
			s := b.Stream(leg)
			fmt.Printf("\t%v stream %v ptime %d codecs %v\n", leg, s.ID(), s.PacketTime(), codec.Describe(s.Codecs()))
		}
	}
}

func printTable(engine *relay.Engine, arg string) {
	id, err := uuid.Parse(arg)
	if err != nil {
		fmt.Printf("Bad stream id %q: %v\n", arg, err)
		return
	}
	s, ok := engine.Stream(id)
	if !ok {
		fmt.Printf("No stream %v\n", id)
		return
	}
	sn, err := s.Snapshot()
	if err != nil {
		fmt.Printf("Stream %v: %v\n", id, err)
		return
	}
	defer sn.Release()
	fmt.Printf("Stream %v, %d handlers, resync %v:\n", id, sn.Len(), s.NeedsResync())
	for _, pt := range sn.PayloadTypes() {
		h, _ := sn.Lookup(pt)
		fmt.Printf("\t%3d => %v (decode errors %d)\n", pt, h, h.DecodeErrors())
	}
}

func printStats(engine *relay.Engine) {
	for _, b := range engine.Bridges() {
		for _, leg := range []relay.Leg{relay.LegA, relay.LegB} {
			s := b.Stream(leg)
			st := s.Stats()
			fmt.Printf("%v %v: packets %d produced %d dropped %d unknown-pt %d decode-errors %d malformed %d rebuilds %d\n",
				s.ID(), leg, st.Packets, st.Produced, st.Dropped, st.UnknownPayload, st.DecodeErrors, st.Malformed, st.Rebuilds)
		}
	}
}

func negotiate(engine *relay.Engine, arg string) {
	var offer []*sdp.Format
	for _, s := range strings.Split(arg, ",") {
		f, err := config.ParseCodec(s)
		if err != nil {
			fmt.Printf("%v\n", err)
			return
		}
		offer = append(offer, f)
	}
	res, err := engine.Negotiator().Negotiate(offer, nil)
	if err != nil {
		fmt.Printf("Negotiation failed: %v\n", err)
		return
	}
	fmt.Printf("%v\n", codec.Describe(res))
}

func printLoggers() {
	loggers := utils.GetLoggers()
	prefixes := make([]string, 0, len(loggers))
	for prefix := range loggers {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	for _, prefix := range prefixes {
		fmt.Printf("%v \t %v\n", prefix, loggers[prefix].Level())
	}
}

func consoleLoop(engine *relay.Engine) {

	fmt.Println("Please select command.")
	for {
		t := prompt.Input("RELAY> ", completer,
			prompt.OptionTitle("GO MEDIA RELAY 1.0.0"),
			prompt.OptionHistory([]string{"bridges", "stats"}),
			prompt.OptionPrefixTextColor(prompt.Yellow),
			prompt.OptionPreviewSuggestionTextColor(prompt.Blue),
			prompt.OptionSelectedSuggestionBGColor(prompt.LightGray),
			prompt.OptionSuggestionBGColor(prompt.DarkGray))

		fields := strings.Fields(t)
		if len(fields) == 0 {
			continue
		}
		arg := strings.Join(fields[1:], "")
		switch fields[0] {
		case "bridges", "bl":
			printBridges(engine)
		case "table", "tb":
			printTable(engine, arg)
		case "stats", "st":
			printStats(engine)
		case "negotiate", "ng":
			negotiate(engine, arg)
		case "loggers":
			printLoggers()
		case "exit":
			fmt.Println("Exit now.")
			return
		default:
			fmt.Printf("Unknown command %q\n", fields[0])
		}
	}
}

// setup bridges every media section of the offer and, when given, applies the
// answer. The rewritten descriptions are printed for the other side.
func setup(engine *relay.Engine, offerFile, answerFile string) ([]*relay.Bridge, error) {
	data, err := os.ReadFile(offerFile)
	if err != nil {
		return nil, err
	}
	offer, err := sdp.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", offerFile, err)
	}
	var answer *sdp.Session
	if answerFile != "" {
		if data, err = os.ReadFile(answerFile); err != nil {
			return nil, err
		}
		if answer, err = sdp.Parse(data); err != nil {
			return nil, fmt.Errorf("%s: %w", answerFile, err)
		}
	}

	var bridges []*relay.Bridge
	offered := sdputil.Formats(offer)
	var answered map[string][]*sdp.Format
	if answer != nil {
		answered = sdputil.Formats(answer)
	}
	for mediaType, formats := range offered {
		b, err := engine.NewBridge(codec.MediaType(mediaType))
		if err != nil {
			return nil, err
		}
		bridges = append(bridges, b)
		toB, err := b.Offer(relay.LegA, formats)
		if err != nil {
			return nil, fmt.Errorf("offer %s: %w", mediaType, err)
		}
		if err := sdputil.RewriteFormats(offer, mediaType, toB); err != nil {
			return nil, err
		}
		if answer == nil {
			continue
		}
		toA, err := b.Answer(relay.LegB, answered[mediaType])
		if err != nil {
			return nil, fmt.Errorf("answer %s: %w", mediaType, err)
		}
		if err := sdputil.RewriteFormats(answer, mediaType, toA); err != nil {
			return nil, err
		}
	}

	fmt.Printf("Offer for B:\n%s\n", offer.String())
	if answer != nil {
		fmt.Printf("Answer for A:\n%s\n", answer.String())
	}
	return bridges, nil
}

func main() {
	noconsole := false
	h := false
	configFile := ""
	offerFile := ""
	answerFile := ""
	flag.BoolVar(&h, "h", false, "this help")
	flag.BoolVar(&noconsole, "nc", false, "no console mode")
	flag.StringVar(&configFile, "c", "", "config file (ini)")
	flag.StringVar(&offerFile, "offer", "", "SDP offer received from leg A")
	flag.StringVar(&answerFile, "answer", "", "SDP answer received from leg B")
	flag.Usage = usage

	flag.Parse()

	if h {
		flag.Usage()
		return
	}

	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}
	utils.SetAllLogLevels(cfg.LogLevel())
	if cfg.LogFile() != "" {
		defer utils.SetLogFile(cfg.LogFile(), cfg.LogMaxSize(), cfg.LogMaxBackups()).Close()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	engine := relay.NewEngine(cfg)
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	if offerFile != "" {
		bridges, err := setup(engine, offerFile, answerFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			cancel()
			return
		}
		for _, b := range bridges {
			fwd, err := rtp.NewForwarder(b, cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				cancel()
				return
			}
			fmt.Printf("%v: leg A on %v, leg B on %v\n", b.MediaType(), fwd.Leg(relay.LegA).LocalAddr(), fwd.Leg(relay.LegB).LocalAddr())
			g.Go(func() error { return fwd.Run(ctx) })
		}
	}

	if !noconsole {
		consoleLoop(engine)
	} else {
		select {
		case <-stop:
		case <-ctx.Done():
		}
	}
	cancel()
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
}
