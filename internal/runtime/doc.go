// Package runtime wires configuration, the Pebble metadata store, the
// journal file and the broker into a single-node flomq instance.
//
// Example:
//
//	rt, err := runtime.Open(runtime.Options{Config: config.Default()})
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//	_, _ = rt.Broker().Declare("orders", broker.AddressOptions{})
package runtime
