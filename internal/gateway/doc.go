// Package gateway assembles the autofilter-gateway server.
//
// # Overview
//
// The Gateway owns every long-lived component: the SQLite store, the Matrix
// client and bot, the gating orchestrator, the deliverer, and the gRPC and
// HTTP servers. New wires them from a config.Config without touching the
// network; Run starts listening and syncing, and Shutdown tears everything
// down in dependency order.
//
// # Listeners
//
// Without Tailscale the servers listen on server.grpc_addr and
// server.http_addr. With tailscale.enabled a tsnet node is started and the
// servers listen on the tailnet (gRPC :50051, HTTP :80). tailscale.funnel
// publishes HTTP on :443 so verification links can reach the landing page.
//
// # HTTP API
//
//	GET    /health                     liveness
//	GET    /health/ready               200 once the first Matrix sync completed
//	GET    /start?start=<payload>      verification landing page
//	GET    /api/stats                  row counts
//	GET    /api/groups/{id}            group settings with defaults applied
//	PUT    /api/groups/{id}            update group settings (admin)
//	DELETE /api/groups/{id}/files      drop indexed files by ?name= or ?all=true (admin)
//	GET    /api/users/{id}             user state and pending request
//	GET    /api/users/{id}/deliveries  recent deliveries, newest first (?limit=)
//	POST   /api/users/{id}/premium     grant a premium plan (admin)
//	DELETE /api/users/{id}/premium     revoke premium (admin)
//
// {id} is a numeric id or a Matrix id ("!room:server" or "@user:server").
// A group's membership_channel accepts a room id, "" to inherit the default
// channel, or "off" to disable the gate for that group.
// When auth.jwt_secret is set, /api routes require a bearer token and writes
// require the admin role.
//
// # gRPC
//
// The gRPC server exposes grpc.health.v1.Health. It reports SERVING while
// the Matrix sync loop is running.
package gateway
