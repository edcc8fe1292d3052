package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strings"

	gateway "github.com/olivenet-iot/ivy-4g-gateway-sub001"
)

var (
	flagDecode    = flag.Bool("d", false, "CBOR -> JSON (decode an event read off the bus wire)")
	flagCanonical = flag.Bool("canonical", false, "use canonical JSON/CBOR encoding")
	flagOutput    = flag.String("out", "-", "Output file to write to. If '-' prints to stdout")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of gwctl:\n")
		flag.PrintDefaults()
		fmt.Println("\nMust supply either a file '@some-file', stdin '-', or the raw data '{}'")
		fmt.Println(`Example event JSON->CBOR to file:   ./gwctl -out "event.cbor" '{"kind":"meter:connected","meterId":"123456789012","fields":{}}'`)
		fmt.Println(`Example event CBOR->JSON from file: ./gwctl -d '@event.cbor'`)
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	inputFlag := flag.Arg(0)
	var in io.Reader
	switch {
	case inputFlag == "-":
		in = os.Stdin
	case strings.HasPrefix(inputFlag, "@"):
		f, err := os.Open(inputFlag[1:])
		if err != nil {
			log.Printf("FATAL reading request file: %s\n", err.Error())
			os.Exit(1)
		}
		in = f
		defer f.Close()
	default:
		in = bytes.NewBufferString(inputFlag)
	}

	raw, err := ioutil.ReadAll(in)
	if err != nil {
		log.Printf("FATAL reading input: %s\n", err.Error())
		os.Exit(1)
	}

	codec := gateway.EventCodec{Canonical: *flagCanonical}

	var output []byte
	if *flagDecode {
		ev, decErr := codec.Decode(raw)
		if decErr != nil {
			log.Printf("FATAL: %s", decErr)
			os.Exit(1)
		}
		output, err = json.MarshalIndent(ev, "", "  ")
	} else {
		var ev gateway.Event
		if err = json.Unmarshal(raw, &ev); err != nil {
			log.Printf("FATAL: input is not a valid event JSON object: %s", err)
			os.Exit(1)
		}
		output, err = codec.Encode(ev)
	}
	if err != nil {
		log.Printf("FATAL: %s", err)
		os.Exit(1)
	}

	if *flagOutput == "-" {
		fmt.Printf(string(output))
	} else {
		ioutil.WriteFile(*flagOutput, output, os.ModePerm)
		fmt.Printf("Output to '%s' (%d bytes)\n", *flagOutput, len(output))
	}
}
