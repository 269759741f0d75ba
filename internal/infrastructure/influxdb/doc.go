// Package influxdb provides the optional probe telemetry sink for statepanel.
//
// On each cache reload the latest temperature probe readings are written as
// points to InfluxDB, giving long-term retention and Grafana dashboards on
// top of the bounded history the devices keep in their state files.
//
// Writes are non-blocking: points are batched by the client and flushed
// asynchronously, so telemetry never slows down a reload.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	coordinator.OnReload(func(devices state.Collection, _ time.Time) {
//	    client.WriteProbeReadings(devices)
//	})
package influxdb
