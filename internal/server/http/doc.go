// Package httpserver serves the node's JSON admin API:
//
//	GET    /v1/healthz
//	GET    /v1/journal
//	GET    /v1/addresses
//	POST   /v1/addresses                    {"name","mode","settleMode","prefetch","maxDeliveries"}
//	GET    /v1/addresses/{name}/stats
//	GET    /v1/addresses/{name}/deadletters?limit=N
//	DELETE /v1/addresses/{name}/deadletters
package httpserver
