// Package usp is the controller side of the User Services Platform
// (TR-369): it sends Get and Set requests to an Agent and correlates the
// Agent's responses.
//
// The wire handling lives in sub-packages; this package ties them
// together around a Transport:
//
//	Controller.Get/Set
//	  └─ messages.Builder   build the Msg, assign msg_id
//	  └─ record.Wrap        envelope addressed to the Agent
//	  └─ Transport.Send     one exchange per task, bounded pool
//
//	Controller.Run
//	  └─ Transport.Receive
//	  └─ response.Processor decode → validate → dispatch
//	  └─ pending[msg_id]    deliver to the waiting Future
//
// # Layout
//
//   - messages: USP Msg types, codec and builder
//   - record: USP Record envelope and codec
//   - validate: two-stage inbound validation
//   - response: inbound pipeline and error synthesis
//   - transport: transport contract, expiring queue, in-memory hub
//   - coap: CoAP binding
//   - agent: a minimal Agent responder
//   - idgen: msg_id generators
//   - errs: error kinds shared by all packages
//   - metrics: Prometheus collectors
//   - config: TOML, YAML and environment settings for the binaries
//
// The cmd/uspctl and cmd/usp-agent binaries run a Controller and an Agent
// over CoAP.
//
// # Basic Usage
//
//	ctrl, err := usp.New("self::controller-1", binding)
//	if err != nil {
//	    return err
//	}
//	defer ctrl.Close()
//	go ctrl.Run(ctx)
//
//	agent := usp.Target{ID: "proto::agent-1", Address: "coap://10.0.0.2:5683/usp"}
//	res, err := ctrl.Get(ctx, agent, []string{"Device.DeviceInfo."})
//	if err != nil {
//	    return err
//	}
//	if err := res.Err(); err != nil {
//	    // the Agent answered with an Error message
//	}
//
// # Reference
//
// TR-369: https://usp.technology/specification/
package usp

// Version is the library version.
const Version = "0.1.0-dev"
