// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"

	"perun.network/perun-upc-backend/channel"
	"perun.network/perun-upc-backend/config"
	"perun.network/perun-upc-backend/event"
	"perun.network/perun-upc-backend/promise"
	"perun.network/perun-upc-backend/service"
	"perun.network/perun-upc-backend/store"
	"perun.network/perun-upc-backend/util"
	"perun.network/perun-upc-backend/wallet"
	"perun.network/perun-upc-backend/wire"
)

const (
	chainID       = 1337
	claimDuration = 120
	deposit       = 100
	payment       = 10
)

// htlcInit stands in for the init code of the HTLC contract.
var htlcInit = []byte{0x60, 0x80, 0x60, 0x40, 0x52, 0x34, 0x80, 0x15, 0x61, 0x00, 0x10, 0x57}

type party struct {
	name       string
	acc        *wallet.Account
	store      store.Store
	svc        *service.Service
	dispatcher *event.Dispatcher
}

func newParty(cfg *config.Config, name string) *party {
	_, acc := util.MakeRandWallet()
	st, err := cfg.OpenStore(name)
	if err != nil {
		log.WithError(err).Fatalf("opening %s store", name)
	}
	svc := service.New(acc, st, st, st, cfg.ServiceOptions()...)
	return &party{
		name:       name,
		acc:        acc,
		store:      st,
		svc:        svc,
		dispatcher: event.NewDispatcher(svc, st, st, st),
	}
}

// apply delivers ev to both replicas, as the chain watcher of each party
// would.
func apply(ctx context.Context, ev event.Event, parties ...*party) {
	for _, p := range parties {
		if _, err := p.dispatcher.Apply(ctx, ev); err != nil {
			log.WithError(err).Fatalf("%s applying %v", p.name, ev.Type())
		}
	}
}

func randomTx() common.Hash {
	return crypto.Keccak256Hash(util.NewRandAddress().Bytes())
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid config")
	}
	cfg.SetupLogging()
	log.SetLevel(log.Level(cfg.LogLevel))
	ctx := context.Background()

	hub := newParty(cfg, "hub")
	client := newParty(cfg, "client")
	defer hub.store.Close()
	defer client.store.Close()

	ch, err := channel.New(chainID, hub.acc.Address(), client.acc.Address(), claimDuration, util.NewRandAddress())
	if err != nil {
		log.Fatal(err)
	}
	ctor, err := wire.PackConstructor(ch)
	if err != nil {
		log.Fatal(err)
	}
	if err := ch.Deploy(util.NewRandAddress()); err != nil {
		log.Fatal(err)
	}
	id, err := hub.svc.OpenChannel(ctx, ch)
	if err != nil {
		log.Fatal(err)
	}
	ch.ID = id
	if err := client.svc.AddChannel(ctx, ch); err != nil {
		log.Fatal(err)
	}
	log.WithField("channel", id).Infof("channel deployed at %s with %d bytes of constructor arguments", ch.Address.Hex(), len(ctor))

	for _, p := range []*party{hub, client} {
		apply(ctx, &event.DepositEvent{ChannelID: id, TxHash: randomTx(), From: p.acc.Address(), Amount: big.NewInt(deposit)}, hub, client)
	}

	// The client pays the hub through an HTLC promise and settles it with a
	// receipt.
	var hashlock [32]byte
	copy(hashlock[:], crypto.Keccak256([]byte("preimage")))
	params := promise.NewHTLCParams(big.NewInt(payment), hashlock, uint64(time.Now().Add(time.Hour).Unix()))
	salt := util.RandomSalt()
	sp, err := client.svc.CreatePromise(ctx, id, promise.TypeHTLC, false, htlcInit, params, salt)
	if err != nil {
		log.Fatal(err)
	}
	verdict, err := hub.svc.AcceptPromise(ctx, &sp.Promise, sp.ID, sp.Type, false, id, htlcInit, params, salt)
	if err != nil || !verdict.OK() {
		log.Fatalf("hub rejected promise: %v %v", verdict, err)
	}

	toRemove := store.NewIDSet(sp.ID)
	r, err := client.svc.CreateTentativeReceipt(ctx, id, big.NewInt(payment), toRemove)
	if err != nil {
		log.Fatal(err)
	}
	verdict, err = hub.svc.AcceptReceipt(ctx, r, id, big.NewInt(payment), toRemove)
	if err != nil || !verdict.OK() {
		log.Fatalf("hub rejected receipt: %v %v", verdict, err)
	}
	if err := client.svc.ConfirmReceipt(ctx, r, big.NewInt(payment), toRemove); err != nil {
		log.Fatal(err)
	}

	for _, p := range []*party{hub, client} {
		avail, err := p.svc.SelfAvailable(ctx, id)
		if err != nil {
			log.Fatal(err)
		}
		log.Infof("%s available: %v", p.name, avail)
	}

	latest, err := hub.svc.ReceiptEvidence(ctx, id)
	if err != nil {
		log.Fatal(err)
	}
	calldata, err := wire.PackRegisterReceipt(latest)
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("hub can register receipt %d with %d bytes of calldata", latest.ID, len(calldata))

	watcher := event.NewExpiryWatcher(hub.svc, hub.store, hub.dispatcher, nil, cfg.ExpiryCheckInterval)
	closed, err := watcher.Check(ctx)
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("expiry check closed %d channels", len(closed))
	log.Infof("close deadline of promise %d elapsed: %v", sp.ID, event.ExpiryTimeout(&sp.Promise, hub.svc.ExpiryWindow()).IsElapsed(ctx))

	closing := randomTx()
	apply(ctx, &event.SetClosingEvent{ChannelID: id, TxHash: closing}, hub, client)
	claim := event.MakeTimeout(ch.ClaimDuration)
	log.Infof("claim period of %v running, elapsed: %v", event.MakeTime(ch.ClaimDuration), claim.IsElapsed(ctx))
	apply(ctx, &event.CloseEvent{ChannelID: id, TxHash: randomTx(), From: hub.acc.Address()}, hub, client)
	apply(ctx, &event.WithdrawEvent{ChannelID: id, TxHash: randomTx(), Full: true}, hub, client)

	final, err := client.svc.Channel(ctx, id)
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("channel %d ended %v, hub credit %v", id, final.Status, final.Hub.Credit)
	log.Println("DONE")
}
