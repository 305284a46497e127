// Package cards implements the blackjack rule engine: the 6-bit card codec,
// shuffle-and-deal, hand scoring, player draw logic, the dealer auto-play
// policy, and outcome resolution.
//
// Every function here is a pure input→output computation over fixed-width
// integers with static loop bounds, so the same code produces bit-identical
// results whether evaluated in plaintext or inside a compiled confidential
// circuit. No host types, no I/O, no data-dependent loop bounds.
package cards

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// DeckSize is the number of cards in a standard deck. Card values are
	// 0–51; value mod 13 gives the rank (0 = Ace, 11–12 = face cards).
	DeckSize = 52

	// MaxHandCards is the fixed hand capacity. A blackjack hand can never
	// exceed 11 cards (eleven Aces = 21 before any reduction).
	MaxHandCards = 11

	// NoCard is the sentinel stored in unused hand slots.
	NoCard = 53

	// BustThreshold is the highest non-busting hand value.
	BustThreshold = 21

	// DealerStandValue is the hand value at which the dealer stops drawing.
	DealerStandValue = 17

	// dealerDrawCap bounds the dealer auto-play loop. The bound is static
	// so the loop compiles to a fixed-cost circuit; 7 draws on top of the
	// initial 2 cards is already more than any reachable hand needs.
	dealerDrawCap = 7

	// Packing layout: 6 bits per card, 21 cards per 128-bit word.
	cardBits     = 6
	cardMask     = 0x3f
	wordCapacity = 21
)

// Word128 is a 128-bit unsigned integer used as a fixed-width storage slot
// for packed card sequences.
type Word128 struct {
	Hi uint64 `json:"hi"`
	Lo uint64 `json:"lo"`
}

func (w Word128) shiftLeft6() Word128 {
	return Word128{Hi: w.Hi<<cardBits | w.Lo>>(64-cardBits), Lo: w.Lo << cardBits}
}

func (w Word128) shiftRight6() Word128 {
	return Word128{Hi: w.Hi >> cardBits, Lo: w.Lo>>cardBits | w.Hi<<(64-cardBits)}
}

func (w Word128) low6() uint8 { return uint8(w.Lo & cardMask) }

// packWord encodes up to 21 cards into one word, card 0 in the lowest bits.
func packWord(cards []uint8) Word128 {
	var w Word128
	for i := len(cards) - 1; i >= 0; i-- {
		w = w.shiftLeft6()
		w.Lo |= uint64(cards[i] & cardMask)
	}
	return w
}

// unpackWord decodes n cards from a word into dst.
func unpackWord(w Word128, dst []uint8) {
	for i := range dst {
		dst[i] = w.low6()
		w = w.shiftRight6()
	}
}

// PackedDeck is a full 52-card deck packed into three 128-bit words:
// cards 0–20, 21–41, and 42–51. This is the fixed-width form the deck
// occupies in encrypted storage slots.
type PackedDeck struct {
	W0 Word128 `json:"w0"`
	W1 Word128 `json:"w1"`
	W2 Word128 `json:"w2"`
}

// PackedHand is an 11-card hand packed into one 128-bit word.
type PackedHand struct {
	W Word128 `json:"w"`
}

// EncodeDeck packs a 52-card array. Values must be < 64.
func EncodeDeck(deck [DeckSize]uint8) PackedDeck {
	return PackedDeck{
		W0: packWord(deck[0:wordCapacity]),
		W1: packWord(deck[wordCapacity : 2*wordCapacity]),
		W2: packWord(deck[2*wordCapacity:]),
	}
}

// DecodeDeck unpacks a deck. DecodeDeck(EncodeDeck(d)) == d for any d with
// all values < 64.
func DecodeDeck(p PackedDeck) [DeckSize]uint8 {
	var deck [DeckSize]uint8
	unpackWord(p.W0, deck[0:wordCapacity])
	unpackWord(p.W1, deck[wordCapacity:2*wordCapacity])
	unpackWord(p.W2, deck[2*wordCapacity:])
	return deck
}

// EncodeHand packs an 11-slot hand. Values must be < 64.
func EncodeHand(hand [MaxHandCards]uint8) PackedHand {
	return PackedHand{W: packWord(hand[:])}
}

// DecodeHand unpacks a hand.
func DecodeHand(p PackedHand) [MaxHandCards]uint8 {
	var hand [MaxHandCards]uint8
	unpackWord(p.W, hand[:])
	return hand
}

// Bytes serializes the packed deck as 48 big-endian bytes.
func (p PackedDeck) Bytes() []byte {
	b := make([]byte, 48)
	binary.BigEndian.PutUint64(b[0:], p.W0.Hi)
	binary.BigEndian.PutUint64(b[8:], p.W0.Lo)
	binary.BigEndian.PutUint64(b[16:], p.W1.Hi)
	binary.BigEndian.PutUint64(b[24:], p.W1.Lo)
	binary.BigEndian.PutUint64(b[32:], p.W2.Hi)
	binary.BigEndian.PutUint64(b[40:], p.W2.Lo)
	return b
}

// DeckFromBytes parses the 48-byte form produced by Bytes.
func DeckFromBytes(b []byte) (PackedDeck, error) {
	if len(b) != 48 {
		return PackedDeck{}, fmt.Errorf("cards: packed deck must be 48 bytes, got %d", len(b))
	}
	return PackedDeck{
		W0: Word128{Hi: binary.BigEndian.Uint64(b[0:]), Lo: binary.BigEndian.Uint64(b[8:])},
		W1: Word128{Hi: binary.BigEndian.Uint64(b[16:]), Lo: binary.BigEndian.Uint64(b[24:])},
		W2: Word128{Hi: binary.BigEndian.Uint64(b[32:]), Lo: binary.BigEndian.Uint64(b[40:])},
	}, nil
}

// Bytes serializes the packed hand as 16 big-endian bytes.
func (p PackedHand) Bytes() []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:], p.W.Hi)
	binary.BigEndian.PutUint64(b[8:], p.W.Lo)
	return b
}

// HandFromBytes parses the 16-byte form produced by Bytes.
func HandFromBytes(b []byte) (PackedHand, error) {
	if len(b) != 16 {
		return PackedHand{}, fmt.Errorf("cards: packed hand must be 16 bytes, got %d", len(b))
	}
	return PackedHand{W: Word128{
		Hi: binary.BigEndian.Uint64(b[0:]),
		Lo: binary.BigEndian.Uint64(b[8:]),
	}}, nil
}

// EmptyHand returns an 11-slot hand filled with the NoCard sentinel.
func EmptyHand() [MaxHandCards]uint8 {
	var hand [MaxHandCards]uint8
	for i := range hand {
		hand[i] = NoCard
	}
	return hand
}

// NewDeck returns the ordered deck 0..51.
func NewDeck() [DeckSize]uint8 {
	var deck [DeckSize]uint8
	for i := range deck {
		deck[i] = uint8(i)
	}
	return deck
}

// Shuffle performs a Fisher–Yates shuffle using entropy from r. The source
// must be cryptographically sound in production (crypto/rand.Reader);
// rejection sampling keeps each swap index uniform. After the shuffle each
// value 0..51 appears exactly once.
func Shuffle(deck *[DeckSize]uint8, r io.Reader) error {
	for i := DeckSize - 1; i > 0; i-- {
		j, err := uniformByte(r, i+1)
		if err != nil {
			return fmt.Errorf("cards: shuffle entropy: %w", err)
		}
		deck[i], deck[j] = deck[j], deck[i]
	}
	return nil
}

// uniformByte draws a uniform value in [0, n) for n ≤ 256 by rejecting
// bytes from the biased tail.
func uniformByte(r io.Reader, n int) (int, error) {
	limit := 256 - 256%n
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		if int(b[0]) < limit {
			return int(b[0]) % n, nil
		}
	}
}

// Deal deals the opening hands from a shuffled deck: deck[0] and deck[2] to
// the player, deck[1] (face up) and deck[3] (face down) to the dealer. The
// dealer's face-up card is returned separately since it is the only dealer
// card revealed before the dealer's turn.
func Deal(deck [DeckSize]uint8) (player, dealer [MaxHandCards]uint8, faceUp uint8) {
	player = EmptyHand()
	dealer = EmptyHand()
	player[0] = deck[0]
	player[1] = deck[2]
	dealer[0] = deck[1]
	dealer[1] = deck[3]
	return player, dealer, deck[1]
}

// HandValue scores the first n cards of a hand by standard blackjack rules:
// Ace counts 11, face cards count 10, pip cards count their rank. If the
// total exceeds 21 and the hand holds an Ace, a single −10 soft-to-hard
// correction is applied. The correction is applied at most once regardless
// of Ace count — this matches the deployed circuit's scoring exactly and is
// deliberately not "fixed" for 3+ Ace hands.
//
// The loop always runs over all 11 slots with the logical length as a guard,
// preserving the fixed-cost circuit shape.
func HandValue(hand [MaxHandCards]uint8, n uint8) uint8 {
	var value uint8
	hasAce := false

	for i := 0; i < MaxHandCards; i++ {
		if uint8(i) >= n {
			continue
		}
		rank := hand[i] % 13
		switch {
		case rank == 0:
			value += 11
			hasAce = true
		case rank > 10:
			value += 10
		default:
			value += rank
		}
	}

	if value > BustThreshold && hasAce {
		value -= 10
	}
	return value
}

// Hit draws the next undealt card into the player's hand. The draw index is
// playerN+dealerN — the count of cards already dealt. If the hand is
// already busted the sentinel is drawn instead. Returns the updated hand and
// whether the hand (after the draw) is bust. The caller owns incrementing
// the hand size.
func Hit(deck [DeckSize]uint8, hand [MaxHandCards]uint8, playerN, dealerN uint8) ([MaxHandCards]uint8, bool) {
	if HandValue(hand, playerN) > BustThreshold {
		hand[playerN] = NoCard
		return hand, true
	}
	hand[playerN] = deck[playerN+dealerN]
	return hand, HandValue(hand, playerN+1) > BustThreshold
}

// Stand draws nothing and reports whether the hand is already bust. A true
// result means the caller mis-sequenced hit handling; callers treat it as a
// hard invariant check.
func Stand(hand [MaxHandCards]uint8, n uint8) bool {
	return HandValue(hand, n) > BustThreshold
}

// DoubleDown uses the identical draw logic as Hit. Ending the player's turn
// regardless of the outcome is the caller's responsibility.
func DoubleDown(deck [DeckSize]uint8, hand [MaxHandCards]uint8, playerN, dealerN uint8) ([MaxHandCards]uint8, bool) {
	return Hit(deck, hand, playerN, dealerN)
}

// DealerPlay runs the dealer policy: draw while the hand value is below 17.
// The loop runs a fixed 7 iterations with the draw guarded inside, matching
// the circuit's static bound. Returns the updated hand and its final size.
func DealerPlay(deck [DeckSize]uint8, dealer [MaxHandCards]uint8, playerN, dealerN uint8) ([MaxHandCards]uint8, uint8) {
	size := dealerN
	for i := 0; i < dealerDrawCap; i++ {
		if HandValue(dealer, size) < DealerStandValue {
			dealer[size] = deck[playerN+size]
			size++
		}
	}
	return dealer, size
}

// Outcome is the final result of a resolved game. The numeric values are
// part of the revealed wire contract and must not be reordered.
type Outcome uint8

const (
	// OutcomePlayerBust means the player busted; the dealer wins automatically.
	OutcomePlayerBust Outcome = 0
	// OutcomeDealerBust means the dealer busted; the player wins automatically.
	OutcomeDealerBust Outcome = 1
	// OutcomePlayerWins means the player's value is higher, with no bust.
	OutcomePlayerWins Outcome = 2
	// OutcomeDealerWins means the dealer's value is higher, with no bust.
	OutcomeDealerWins Outcome = 3
	// OutcomePush means equal values, a tie.
	OutcomePush Outcome = 4
)

func (o Outcome) String() string {
	switch o {
	case OutcomePlayerBust:
		return "player_bust"
	case OutcomeDealerBust:
		return "dealer_bust"
	case OutcomePlayerWins:
		return "player_wins"
	case OutcomeDealerWins:
		return "dealer_wins"
	case OutcomePush:
		return "push"
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// MarshalText implements encoding.TextMarshaler for JSON responses.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(b []byte) error {
	switch string(b) {
	case "player_bust":
		*o = OutcomePlayerBust
	case "dealer_bust":
		*o = OutcomeDealerBust
	case "player_wins":
		*o = OutcomePlayerWins
	case "dealer_wins":
		*o = OutcomeDealerWins
	case "push":
		*o = OutcomePush
	default:
		return fmt.Errorf("cards: unknown outcome %q", b)
	}
	return nil
}

// Resolve compares the final hands and returns the game outcome.
func Resolve(player [MaxHandCards]uint8, playerN uint8, dealer [MaxHandCards]uint8, dealerN uint8) Outcome {
	playerValue := HandValue(player, playerN)
	dealerValue := HandValue(dealer, dealerN)

	switch {
	case playerValue > BustThreshold:
		return OutcomePlayerBust
	case dealerValue > BustThreshold:
		return OutcomeDealerBust
	case playerValue > dealerValue:
		return OutcomePlayerWins
	case dealerValue > playerValue:
		return OutcomeDealerWins
	default:
		return OutcomePush
	}
}
