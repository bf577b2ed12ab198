package main

import (
	"log"
	"net/http"
	_ "net/http/pprof"
)

// startPprof mirrors the teacher's optional pprof listener (client/main.go
// registers net/http/pprof the same way, gated by a -pprof flag).
func startPprof() {
	go func() {
		log.Println("waterslide-recv: pprof listening on localhost:6060")
		log.Println(http.ListenAndServe("localhost:6060", nil))
	}()
}
