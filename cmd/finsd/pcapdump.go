package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/finswire/fins/internet/pcap"
)

// pcapdumpCmd replays a capture stream file offline, printing each record's
// protocol breakdown with pcap.PacketBreakdown and pcap.Formatter — the same
// two types the teacher built for exactly this purpose, reused unchanged
// since a length-prefixed record of raw Ethernet bytes is exactly what
// ethernet.Endpoint.RunCapture already consumes live.
var pcapdumpCmd = &cobra.Command{
	Use:   "pcapdump <capture-file>",
	Short: "print a protocol breakdown of every record in a capture stream file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		var pc pcap.PacketBreakdown
		var fmtr pcap.Formatter
		fmtr.FrameSep = "\n"
		fmtr.FieldSep = " "

		for i := 0; ; i++ {
			buf, err := readCaptureRecord(f)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("pcapdump: record %d: %w", i, err)
			}
			frames, err := pc.CaptureEthernet(nil, buf, 0)
			if err != nil {
				fmt.Printf("record %d: %v\n", i, err)
				continue
			}
			out, err := fmtr.FormatFrames(nil, frames, buf)
			if err != nil {
				fmt.Printf("record %d: %v\n", i, err)
				continue
			}
			fmt.Printf("record %d: %s\n", i, out)
		}
	},
}

// readCaptureRecord reads one length-prefixed record in the same 4-byte
// little-endian format ethernet.Endpoint's capture/inject streams use.
func readCaptureRecord(r io.Reader) ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenbuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
