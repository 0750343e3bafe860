package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sosmesh/relay-node/internal/packet"
)

func encodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode a packet as a hex radio frame",
		RunE: func(cmd *cobra.Command, args []string) error {
			origin, _ := cmd.Flags().GetString("origin")
			seq, _ := cmd.Flags().GetUint16("seq")
			lat, _ := cmd.Flags().GetFloat64("lat")
			lon, _ := cmd.Flags().GetFloat64("lon")
			statusName, _ := cmd.Flags().GetString("status")
			target, _ := cmd.Flags().GetString("target")
			ts, _ := cmd.Flags().GetInt64("time")

			p, err := buildPacket(origin, seq, lat, lon, statusName, target, ts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(packet.Encode(p)))
			return nil
		},
	}
	cmd.Flags().String("origin", "", "originator id in hex (required)")
	cmd.Flags().Uint16("seq", 1, "sequence number")
	cmd.Flags().Float64("lat", 0, "latitude in degrees")
	cmd.Flags().Float64("lon", 0, "longitude in degrees")
	cmd.Flags().String("status", "emergency", "status name or code")
	cmd.Flags().String("target", "", "target node id in hex (empty for broadcast)")
	cmd.Flags().Int64("time", 0, "creation time in unix seconds (default now)")
	_ = cmd.MarkFlagRequired("origin")
	return cmd
}

func decodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <hex>",
		Short: "Decode a hex radio frame to JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := decodeFrame(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func buildPacket(origin string, seq uint16, lat, lon float64, statusName, target string, ts int64) (packet.Packet, error) {
	id, err := parseHexID(origin)
	if err != nil {
		return packet.Packet{}, fmt.Errorf("origin: %w", err)
	}
	status, err := packet.ParseStatusName(statusName)
	if err != nil {
		return packet.Packet{}, err
	}
	var targetID uint32
	if target != "" {
		if targetID, err = parseHexID(target); err != nil {
			return packet.Packet{}, fmt.Errorf("target: %w", err)
		}
	}
	if ts <= 0 {
		ts = time.Now().Unix()
	}
	return packet.Packet{
		OriginatorID: id,
		Sequence:     seq,
		Latitude:     lat,
		Longitude:    lon,
		Status:       status,
		Timestamp:    uint32(ts),
		TargetID:     targetID,
	}, nil
}

type decodedFrame struct {
	packet.Packet
	Key        string            `json:"key"`
	StatusInfo packet.StatusInfo `json:"status_info"`
	CreatedAt  time.Time         `json:"created_at"`
	Length     int               `json:"length"`
}

func decodeFrame(s string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ReplaceAll(strings.TrimSpace(s), " ", ""), "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid hex: %w", err)
	}
	p, err := packet.Decode(raw)
	if err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(decodedFrame{
		Packet:     p,
		Key:        p.Key().String(),
		StatusInfo: packet.Info(p.Status),
		CreatedAt:  p.CreatedAt(),
		Length:     len(raw),
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func parseHexID(s string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x"), 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
