// Command sos-sim stands in for the platform radio driver. It connects to a
// relay node's embedded broker, publishes frames heard from simulated peers to
// radio/rx/<peer> and logs every frame the node asks it to advertise.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"sosmesh/relay-node/internal/packet"
	"sosmesh/relay-node/internal/radio"
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	peerCount := flag.Int("peers", 3, "Number of simulated originators")
	statusName := flag.String("status", "emergency", "Status carried by simulated packets")
	lat := flag.Float64("lat", 37.7749, "Centre latitude of the simulated crowd")
	lon := flag.Float64("lon", -122.4194, "Centre longitude of the simulated crowd")
	spread := flag.Float64("spread", 0.01, "Maximum offset in degrees from the centre")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published frames")
	updateEvery := flag.Int("update-every", 5, "Publish a new sequence from a peer every N frames it sends")
	baseRSSI := flag.Int("base-rssi", -65, "Baseline RSSI value to simulate")
	rssiJitter := flag.Int("rssi-jitter", 6, "Maximum random jitter applied to RSSI readings")
	sweep := flag.Bool("heading-sweep", false, "Attach a rotating compass heading to each frame")
	username := flag.String("username", "", "Broker username")
	password := flag.String("password", "", "Broker password")

	flag.Parse()

	status, err := packet.ParseStatusName(*statusName)
	if err != nil {
		log.Fatalf("invalid status: %v", err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sim := newSimulation(rng, *peerCount, status, *lat, *lon, *spread, *updateEvery)

	clientID := fmt.Sprintf("sos-sim-%d", time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)
	if *username != "" {
		opts = opts.SetUsername(*username).SetPassword(*password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	if token := client.Subscribe(radio.TopicTx, 0, func(_ mqtt.Client, msg mqtt.Message) {
		p, err := packet.Decode(msg.Payload())
		if err != nil {
			log.Printf("tx: undecodable frame (%d bytes): %v", len(msg.Payload()), err)
			return
		}
		log.Printf("tx: advertising %s status=%s", p.Key(), p.Status)
	}); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to subscribe to %s: %v", radio.TopicTx, token.Error())
	}

	setState := func(st radio.State) {
		token := client.Publish(radio.TopicState, 0, false, []byte(st))
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("state publish error: %v", err)
		}
	}
	setState(radio.StateScanning)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var heading float64
	publish := func() {
		peer, raw := sim.next(time.Now())
		frame := radio.RxFrame{
			Payload: raw,
			RSSI:    randomRSSI(rng, *baseRSSI, *rssiJitter),
			PeerID:  peer,
		}
		if *sweep {
			h := heading
			frame.Heading = &h
			heading = float64(int(heading+30) % 360)
		}

		data, err := json.Marshal(frame)
		if err != nil {
			log.Printf("failed to encode frame: %v", err)
			return
		}

		topic := radio.TopicRxPrefix + peer
		token := client.Publish(topic, 1, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s rssi=%d len=%d", topic, frame.RSSI, len(raw))
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			setState(radio.StateOff)
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

func randomRSSI(rng *rand.Rand, base, jitter int) int {
	if jitter <= 0 {
		return base
	}
	delta := rng.Intn(jitter*2+1) - jitter
	return base + delta
}
