package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// LegacyRecord is the flat shape sent by older gateways
type LegacyRecord struct {
	DeviceID        string  `json:"deviceID"`
	DeviceType      string  `json:"deviceType"`
	Timestamp       int64   `json:"timestamp"`
	Location        string  `json:"location"`
	OperationStatus string  `json:"operationStatus"`
	Temp            float64 `json:"temp"`
}

// ModernRecord is the nested shape sent by current gateways
type ModernRecord struct {
	Device    ModernDevice           `json:"device"`
	Timestamp string                 `json:"timestamp"`
	Country   string                 `json:"country"`
	City      string                 `json:"city"`
	Area      string                 `json:"area"`
	Factory   string                 `json:"factory"`
	Section   string                 `json:"section"`
	Data      map[string]interface{} `json:"data"`
}

type ModernDevice struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// DeviceConfig describes one simulated device
type DeviceConfig struct {
	ID       string
	Format   string
	Interval time.Duration
}

var statuses = []string{"active", "idle", "maintenance"}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	mode := flag.String("mode", "continuous", "run mode: single, batch, continuous")
	flag.Parse()

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("telemetry-simulator-%d", time.Now().Unix()))
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("failed to connect to MQTT broker: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("connected to MQTT broker: %s\n", *broker)

	switch *mode {
	case "single":
		// the sample pair from the dashboard onboarding docs, which must
		// normalize to the same canonical record
		publish(client, DeviceConfig{ID: "DK001", Format: "legacy"}, sampleLegacy())
		publish(client, DeviceConfig{ID: "DK001", Format: "modern"}, sampleModern())
		client.Disconnect(250)
	case "batch":
		publishBatch(client)
	case "continuous":
		publishContinuous(client)
	default:
		fmt.Println("unknown mode, use single, batch or continuous")
		os.Exit(1)
	}
}

func sampleLegacy() interface{} {
	return LegacyRecord{
		DeviceID:        "DK001",
		DeviceType:      "sensor",
		Timestamp:       1630454400000,
		Location:        "Japan/Tokyo/Shibuya/Factory1/Section-A",
		OperationStatus: "active",
		Temp:            23.5,
	}
}

func sampleModern() interface{} {
	return ModernRecord{
		Device:    ModernDevice{ID: "DK001", Type: "sensor"},
		Timestamp: "2021-09-01T00:00:00.000Z",
		Country:   "Japan",
		City:      "Tokyo",
		Area:      "Shibuya",
		Factory:   "Factory1",
		Section:   "Section-A",
		Data:      map[string]interface{}{"status": "active", "temperature": 23.5},
	}
}

func randomRecord(device DeviceConfig) interface{} {
	now := time.Now().UTC()
	temp := float64(int((20.0+rand.Float64()*10)*10)) / 10
	status := statuses[rand.Intn(len(statuses))]

	if device.Format == "legacy" {
		return LegacyRecord{
			DeviceID:        device.ID,
			DeviceType:      "sensor",
			Timestamp:       now.UnixMilli(),
			Location:        "Japan/Osaka/Kita/Factory2/Section-B",
			OperationStatus: status,
			Temp:            temp,
		}
	}
	return ModernRecord{
		Device:    ModernDevice{ID: device.ID, Type: "sensor"},
		Timestamp: now.Format("2006-01-02T15:04:05.000Z"),
		Country:   "Japan",
		City:      "Osaka",
		Area:      "Kita",
		Factory:   "Factory2",
		Section:   "Section-B",
		Data: map[string]interface{}{
			"status":      status,
			"temperature": temp,
			"humidity":    float64(int((40.0+rand.Float64()*40)*10)) / 10,
		},
	}
}

func publishBatch(client paho.Client) {
	for i := 1; i <= 10; i++ {
		format := "legacy"
		if i%2 == 0 {
			format = "modern"
		}
		device := DeviceConfig{ID: fmt.Sprintf("DK%03d", i), Format: format}
		publish(client, device, randomRecord(device))

		time.Sleep(100 * time.Millisecond)
	}

	fmt.Println("batch published")
	client.Disconnect(250)
}

func publishContinuous(client paho.Client) {
	devices := []DeviceConfig{
		{ID: "DK101", Format: "legacy", Interval: 5 * time.Second},
		{ID: "DK102", Format: "legacy", Interval: 8 * time.Second},
		{ID: "DK201", Format: "modern", Interval: 6 * time.Second},
		{ID: "DK202", Format: "modern", Interval: 10 * time.Second},
	}

	for _, device := range devices {
		go func(dev DeviceConfig) {
			for {
				publish(client, dev, randomRecord(dev))
				time.Sleep(dev.Interval)
			}
		}(device)
		fmt.Printf("device %s (%s) reports every %v\n", device.ID, device.Format, device.Interval)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("disconnecting...")
	client.Disconnect(250)
}

func publish(client paho.Client, device DeviceConfig, record interface{}) {
	topic := fmt.Sprintf("telemetry/%s/%s", device.Format, device.ID)

	jsonData, err := json.Marshal(record)
	if err != nil {
		fmt.Printf("JSON encoding failed: %v\n", err)
		return
	}

	token := client.Publish(topic, 0, false, jsonData)
	token.Wait()

	if token.Error() != nil {
		fmt.Printf("publish failed: %v\n", token.Error())
	} else {
		fmt.Printf("[%s] published %s: %s\n", time.Now().Format("15:04:05"), topic, string(jsonData))
	}
}
