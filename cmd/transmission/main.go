package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/kvakvs/transmission/internal/metainfo"
	"github.com/kvakvs/transmission/internal/session"
	"github.com/kvakvs/transmission/internal/torrent"
	"github.com/kvakvs/transmission/internal/verify"
)

func main() {
	file := flag.String("file", "", "The torrent file to add")
	magnetURI := flag.String("magnet", "", "The magnet link to add")
	dir := flag.String("dir", "", "Download directory (defaults to the configured one)")
	doVerify := flag.Bool("verify", false, "Re-hash local data against the torrent")
	asJSON := flag.Bool("json", false, "Dump the torrent container as JSON")
	flag.Parse()

	cfg, err := session.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	s, err := session.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	var tor *torrent.Torrent
	switch {
	case *file != "":
		tor, err = torrent.AddFile(s, *file, *dir)
	case *magnetURI != "":
		tor, err = torrent.AddMagnet(s, *magnetURI, *dir)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("name:   %s\n", tor.Name())
	fmt.Printf("hash:   %s\n", tor.HashString())
	fmt.Printf("magnet: %s\n", tor.MagnetLink())

	if *asJSON && *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			log.Fatal(err)
		}
		out, err := metainfo.ToJSON(data)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(string(out))
	}

	if !tor.HasMetadata() {
		fmt.Printf("metadata: %.0f%% — waiting for peers\n", tor.MetadataPercent()*100)
		return
	}

	if *doVerify {
		bf, err := verify.Scan(context.Background(), tor.Engine(), tor.Blocks(), nil)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("verified: %d/%d pieces present\n", bf.Count(), tor.Engine().Info().PieceCount())
	}

	if err := tor.Stop(); err != nil {
		log.Fatal(err)
	}
}
