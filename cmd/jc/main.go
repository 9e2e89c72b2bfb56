// Command jc converts between JSON and CBOR payloads, the encodings a CoAP
// Content-Format of application/json (50) or application/cbor (60) carries.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strings"

	"github.com/matrix-org/coapcore/payloadcodec"
)

var (
	flagCBORToJSON = flag.Bool("c2j", false, "CBOR -> JSON")
	flagCanonical  = flag.Bool("canonical", true, "use canonical (deterministic, sorted-key) encoding")
	flagOutput     = flag.String("out", "-", "Output file to write to. If '-' prints to stdout")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of jc:\n")
		flag.PrintDefaults()
		fmt.Println("\nMust supply either a file '@some-file', stdin '-', or the raw data '{}'")
		fmt.Println(`Example JSON->CBOR literal to file:                ./jc -out "output.cbor" '{"hello":"world"}'`)
		fmt.Println(`Example JSON->CBOR file to file:                   ./jc -out "output.cbor" '@data.json'`)
		fmt.Println(`Example JSON->CBOR stdin:         echo '[42,38]' | ./jc -out "output.cbor" -`)
		fmt.Println(`Example CBOR->JSON file to file:                   ./jc -c2j -out "output.json" '@output.cbor'`)
		fmt.Println(`Example CBOR->JSON file to stdout:                 ./jc -c2j '@output.cbor'`)
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	inputFlag := flag.Arg(0)
	var reqBody io.Reader
	switch {
	case inputFlag == "-":
		reqBody = os.Stdin
	case strings.HasPrefix(inputFlag, "@"):
		f, err := os.Open(inputFlag[1:])
		if err != nil {
			log.Printf("FATAL reading request file: %s\n", err.Error())
			os.Exit(1)
		}
		reqBody = f
		defer f.Close()
	default:
		reqBody = bytes.NewBufferString(inputFlag)
	}

	var output []byte
	var err error

	codec := payloadcodec.New(*flagCanonical)

	if *flagCBORToJSON {
		output, err = codec.CBORToJSON(reqBody)
	} else {
		output, err = codec.JSONToCBOR(reqBody)
	}

	if err != nil {
		log.Printf("FATAL: %s", err)
		os.Exit(1)
	}
	if *flagOutput == "-" {
		fmt.Print(string(output))
	} else {
		ioutil.WriteFile(*flagOutput, output, os.ModePerm)
		fmt.Printf("Output to '%s' (%d bytes) %x\n", *flagOutput, len(output), output)
	}
}
