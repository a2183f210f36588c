package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"FaceTrackServer/logger"
	"FaceTrackServer/recorder"

	"go.uber.org/zap"
)

func main() {
	var (
		path  = flag.String("path", "", "Path to a .rec session file")
		limit = flag.Int("limit", 0, "Number of records to dump (0 = all)")
		only  = flag.String("param", "", "Print only this parameter")
	)
	flag.Parse()

	if err := logger.InitDevelopment(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Log()

	if *path == "" {
		log.Fatal("path is required")
	}
	f, err := os.Open(*path)
	if err != nil {
		log.Fatal("open session", zap.Error(err))
	}
	defer f.Close()

	r, err := recorder.NewReader(f)
	if err != nil {
		log.Fatal("read session header", zap.Error(err))
	}

	for count := 0; *limit <= 0 || count < *limit; count++ {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Fatal("read record", zap.Int("record", count), zap.Error(err))
		}
		u, err := e.Update()
		if err != nil {
			logger.S().Warnw("cbor decode error", "record", count, "error", err)
			continue
		}
		if *only != "" {
			v, ok := u.Params[*only]
			if !ok {
				continue
			}
			fmt.Printf("%s\t%d\t%g\n", e.Recorded.Format(time.RFC3339Nano), u.Seq, v)
			continue
		}
		pretty, err := json.MarshalIndent(u, "", "  ")
		if err != nil {
			log.Warn("json encode error", zap.Int("record", count), zap.Error(err))
			continue
		}
		log.Info("record", zap.Int("record", count), zap.Time("recorded", e.Recorded), zap.Int("size", len(e.Payload)))
		fmt.Println(string(pretty))
	}
}
