// Package testmodule provides small native modules, written in WAT, that
// follow the diplomat calling convention. Tests use them in place of a real
// ICU4X build.
package testmodule

import (
	"sync"

	"github.com/bytecodealliance/wasmtime-go"
)

// Discriminants reported by the decimal module.
const (
	ParseErrorUnknown = 0x000
	ParseErrorLimit   = 0x205
	ParseErrorSyntax  = 0x206

	SignNone     = 0
	SignNegative = 1
	SignPositive = 2
)

// NativeSinkMarker is the context word of write buffers owned by the module.
const NativeSinkMarker = 0x7a7a

// Compile turns WAT text into a binary module.
func Compile(wat string) ([]byte, error) {
	return wasmtime.Wat2Wasm(wat)
}

func mustCompile(wat string) func() []byte {
	return sync.OnceValue(func() []byte {
		bin, err := Compile(wat)
		if err != nil {
			panic(err)
		}
		return bin
	})
}

var (
	decimal   = mustCompile(decimalWAT)
	allocator = mustCompile(allocatorWAT)
	realloc   = mustCompile(reallocWAT)
)

// Decimal returns the full fixture: boxed decimals, pairs with borrowed
// halves, byte iterators over caller memory, write sinks and console
// imports.
func Decimal() []byte { return decimal() }

// Allocator returns a module exporting only memory and the diplomat
// allocator pair.
func Allocator() []byte { return allocator() }

// Realloc returns a module whose only allocator is cabi_realloc.
func Realloc() []byte { return realloc() }

// Bump allocator shared by the fixtures. Requests over 16MiB fail with 0.
const bumpAllocator = `
  (global $heap (mut i32) (i32.const 4096))
  (global $frees (mut i32) (i32.const 0))

  (func $alloc (param $size i32) (param $align i32) (result i32)
    (local $ptr i32) (local $end i32) (local $have i32)
    (if (i32.gt_u (local.get $size) (i32.const 0x1000000))
      (then (return (i32.const 0))))
    (if (i32.eqz (local.get $align))
      (then (local.set $align (i32.const 1))))
    (local.set $ptr
      (i32.and
        (i32.add (global.get $heap) (i32.sub (local.get $align) (i32.const 1)))
        (i32.sub (i32.const 0) (local.get $align))))
    (local.set $end (i32.add (local.get $ptr) (local.get $size)))
    (local.set $have (i32.shl (memory.size) (i32.const 16)))
    (if (i32.gt_u (local.get $end) (local.get $have))
      (then
        (if (i32.eq
              (memory.grow
                (i32.add
                  (i32.shr_u (i32.sub (local.get $end) (local.get $have)) (i32.const 16))
                  (i32.const 1)))
              (i32.const -1))
          (then (return (i32.const 0))))))
    (global.set $heap (local.get $end))
    (local.get $ptr))

  (func (export "free_count") (result i32)
    (global.get $frees))
`

const allocatorWAT = `(module
  (memory (export "memory") 1)
` + bumpAllocator + `
  (func (export "diplomat_alloc") (param i32 i32) (result i32)
    (call $alloc (local.get 0) (local.get 1)))
  (func (export "diplomat_free") (param i32 i32 i32)
    (global.set $frees (i32.add (global.get $frees) (i32.const 1))))
)`

const reallocWAT = `(module
  (memory (export "memory") 1)
` + bumpAllocator + `
  (func (export "cabi_realloc") (param $old i32) (param $old_size i32) (param $align i32) (param $new_size i32) (result i32)
    (if (i32.eqz (local.get $new_size))
      (then
        (global.set $frees (i32.add (global.get $frees) (i32.const 1)))
        (return (local.get $align))))
    (call $alloc (local.get $new_size) (local.get $align)))
)`

const decimalWAT = `(module
  (import "diplomat_runtime" "buffer_grow" (func $host_grow (param i32 i32) (result i32)))
  (import "env" "diplomat_console_log_js" (func $console_log (param i32 i32)))
  (import "env" "diplomat_throw_error_js" (func $throw_error (param i32 i32)))

  (memory (export "memory") 1)

  (data (i32.const 16) "decimal module ready")
  (data (i32.const 64) "decimal panic")
` + bumpAllocator + `
  (global $destroys (mut i32) (i32.const 0))

  (func (export "diplomat_alloc") (param i32 i32) (result i32)
    (call $alloc (local.get 0) (local.get 1)))
  (func (export "diplomat_free") (param i32 i32 i32)
    (global.set $frees (i32.add (global.get $frees) (i32.const 1))))
  (func (export "destroy_count") (result i32)
    (global.get $destroys))
  (func $destroyed
    (global.set $destroys (i32.add (global.get $destroys) (i32.const 1))))

  ;; Decimal is a boxed i64.
  (func $decimal_new (param $v i64) (result i32)
    (local $p i32)
    (local.set $p (call $alloc (i32.const 8) (i32.const 8)))
    (i64.store (local.get $p) (local.get $v))
    (local.get $p))

  (func $abs (param $v i64) (result i64)
    (if (result i64) (i64.lt_s (local.get $v) (i64.const 0))
      (then (i64.sub (i64.const 0) (local.get $v)))
      (else (local.get $v))))

  (func $sign (param $v i64) (result i32)
    (if (result i32) (i64.eqz (local.get $v))
      (then (i32.const 0))
      (else
        (if (result i32) (i64.lt_s (local.get $v) (i64.const 0))
          (then (i32.const 1))
          (else (i32.const 2))))))

  (func $digit_count (param $v i64) (result i32)
    (local $n i32)
    (local.set $v (call $abs (local.get $v)))
    (local.set $n (i32.const 1))
    (block $done
      (loop $next
        (br_if $done (i64.lt_u (local.get $v) (i64.const 10)))
        (local.set $v (i64.div_u (local.get $v) (i64.const 10)))
        (local.set $n (i32.add (local.get $n) (i32.const 1)))
        (br $next)))
    (local.get $n))

  (func (export "Decimal_from_int") (param $v i64) (result i32)
    (call $decimal_new (local.get $v)))

  (func (export "Decimal_destroy") (param i32)
    (call $destroyed))

  (func (export "Decimal_value") (param $p i32) (result i64)
    (i64.load (local.get $p)))

  (func (export "Decimal_to_f64") (param $p i32) (result f64)
    (f64.convert_i64_s (i64.load (local.get $p))))

  (func (export "Decimal_is_negative") (param $p i32) (result i32)
    (i64.lt_s (i64.load (local.get $p)) (i64.const 0)))

  (func (export "Decimal_sign") (param $p i32) (result i32)
    (call $sign (i64.load (local.get $p))))

  (func (export "Decimal_apply_sign") (param $p i32) (param $s i32)
    (local $v i64)
    (local.set $v (call $abs (i64.load (local.get $p))))
    (if (i32.eq (local.get $s) (i32.const 1))
      (then (local.set $v (i64.sub (i64.const 0) (local.get $v)))))
    (if (i32.eqz (local.get $s))
      (then (local.set $v (i64.const 0))))
    (i64.store (local.get $p) (local.get $v)))

  ;; result<Box<Decimal>, ParseError>: payload u32 at 0, flag at 4.
  (func $parse_fail (param $ret i32) (param $disc i32)
    (i32.store (local.get $ret) (local.get $disc))
    (i32.store8 offset=4 (local.get $ret) (i32.const 0)))

  (func (export "Decimal_from_string") (param $ret i32) (param $s i32) (param $len i32)
    (local $i i32) (local $c i32) (local $neg i32) (local $digits i32) (local $v i64)
    (if (i32.eqz (local.get $len))
      (then (call $parse_fail (local.get $ret) (i32.const 0x206)) (return)))
    (if (i32.eq (i32.load8_u (local.get $s)) (i32.const 45))
      (then
        (local.set $neg (i32.const 1))
        (local.set $i (i32.const 1))))
    (if (i32.ge_u (local.get $i) (local.get $len))
      (then (call $parse_fail (local.get $ret) (i32.const 0x206)) (return)))
    (block $done
      (loop $next
        (br_if $done (i32.ge_u (local.get $i) (local.get $len)))
        (local.set $c
          (i32.sub (i32.load8_u (i32.add (local.get $s) (local.get $i))) (i32.const 48)))
        (if (i32.gt_u (local.get $c) (i32.const 9))
          (then (call $parse_fail (local.get $ret) (i32.const 0x206)) (return)))
        (local.set $digits (i32.add (local.get $digits) (i32.const 1)))
        (if (i32.gt_u (local.get $digits) (i32.const 18))
          (then (call $parse_fail (local.get $ret) (i32.const 0x205)) (return)))
        (local.set $v
          (i64.add (i64.mul (local.get $v) (i64.const 10)) (i64.extend_i32_u (local.get $c))))
        (local.set $i (i32.add (local.get $i) (i32.const 1)))
        (br $next)))
    (if (local.get $neg)
      (then (local.set $v (i64.sub (i64.const 0) (local.get $v)))))
    (i32.store (local.get $ret) (call $decimal_new (local.get $v)))
    (i32.store8 offset=4 (local.get $ret) (i32.const 1)))

  ;; result<(), LimitError> with a zero-sized error: flag at 0.
  (func (export "Decimal_multiply_pow10") (param $ret i32) (param $p i32) (param $pow i32)
    (local $v i64)
    (if (i32.gt_u (local.get $pow) (i32.const 18))
      (then (i32.store8 (local.get $ret) (i32.const 0)) (return)))
    (local.set $v (i64.load (local.get $p)))
    (block $done
      (loop $next
        (br_if $done (i32.eqz (local.get $pow)))
        (local.set $v (i64.mul (local.get $v) (i64.const 10)))
        (local.set $pow (i32.sub (local.get $pow) (i32.const 1)))
        (br $next)))
    (i64.store (local.get $p) (local.get $v))
    (i32.store8 (local.get $ret) (i32.const 1)))

  ;; option<u8>: payload at 0, flag at 1.
  (func (export "Decimal_digit_at") (param $ret i32) (param $p i32) (param $i i32)
    (local $v i64)
    (local.set $v (call $abs (i64.load (local.get $p))))
    (if (i32.ge_u (local.get $i) (call $digit_count (local.get $v)))
      (then (i32.store8 offset=1 (local.get $ret) (i32.const 0)) (return)))
    (block $done
      (loop $next
        (br_if $done (i32.eqz (local.get $i)))
        (local.set $v (i64.div_u (local.get $v) (i64.const 10)))
        (local.set $i (i32.sub (local.get $i) (i32.const 1)))
        (br $next)))
    (i32.store8 (local.get $ret) (i32.wrap_i64 (i64.rem_u (local.get $v) (i64.const 10))))
    (i32.store8 offset=1 (local.get $ret) (i32.const 1)))

  ;; Nullable box: 0 when the value is zero.
  (func (export "Decimal_clone_nonzero") (param $p i32) (result i32)
    (if (result i32) (i64.eqz (i64.load (local.get $p)))
      (then (i32.const 0))
      (else (call $decimal_new (i64.load (local.get $p))))))

  ;; DecimalInfo {sign i32 @0, digit_count u8 @4, is_zero bool @5,
  ;; magnitude i16 @6, value f64 @8}: size 16, align 8.
  (func (export "Decimal_info") (param $ret i32) (param $p i32)
    (local $v i64)
    (local.set $v (i64.load (local.get $p)))
    (i32.store (local.get $ret) (call $sign (local.get $v)))
    (i32.store8 offset=4 (local.get $ret) (call $digit_count (local.get $v)))
    (i32.store8 offset=5 (local.get $ret) (i64.eqz (local.get $v)))
    (i32.store16 offset=6 (local.get $ret)
      (i32.sub (call $digit_count (local.get $v)) (i32.const 1)))
    (f64.store offset=8 (local.get $ret) (f64.convert_i64_s (local.get $v))))

  (func (export "Decimal_from_info")
    (param $sign i32) (param $digits i32) (param $zero i32) (param $mag i32) (param $value f64)
    (result i32)
    (if (result i32) (local.get $zero)
      (then (call $decimal_new (i64.const 0)))
      (else (call $decimal_new (i64.trunc_f64_s (local.get $value))))))

  ;; Write sinks share the diplomat header: context @0, buf @4, len @8,
  ;; cap @12, grow_failed @16. Sinks created by this module carry the
  ;; marker context and grow themselves.
  (func $grow (param $sink i32) (param $cap i32) (result i32)
    (local $buf i32)
    (if (i32.ne (i32.load (local.get $sink)) (i32.const 0x7a7a))
      (then (return (call $host_grow (local.get $sink) (local.get $cap)))))
    (local.set $buf (call $alloc (local.get $cap) (i32.const 1)))
    (if (i32.eqz (local.get $buf))
      (then (return (i32.const 0))))
    (memory.copy
      (local.get $buf)
      (i32.load offset=4 (local.get $sink))
      (i32.load offset=8 (local.get $sink)))
    (i32.store offset=4 (local.get $sink) (local.get $buf))
    (i32.store offset=12 (local.get $sink) (local.get $cap))
    (i32.const 1))

  (func $write (param $sink i32) (param $src i32) (param $n i32)
    (local $need i32)
    (local.set $need (i32.add (i32.load offset=8 (local.get $sink)) (local.get $n)))
    (if (i32.gt_u (local.get $need) (i32.load offset=12 (local.get $sink)))
      (then
        (if (i32.eqz (call $grow (local.get $sink) (local.get $need)))
          (then
            (i32.store8 offset=16 (local.get $sink) (i32.const 1))
            (return)))))
    (memory.copy
      (i32.add (i32.load offset=4 (local.get $sink)) (i32.load offset=8 (local.get $sink)))
      (local.get $src)
      (local.get $n))
    (i32.store offset=8 (local.get $sink) (local.get $need)))

  (func (export "Decimal_to_string") (param $p i32) (param $sink i32)
    (local $v i64) (local $pos i32)
    (local.set $v (call $abs (i64.load (local.get $p))))
    (local.set $pos (i32.const 544))
    (loop $next
      (local.set $pos (i32.sub (local.get $pos) (i32.const 1)))
      (i32.store8 (local.get $pos)
        (i32.add (i32.const 48) (i32.wrap_i64 (i64.rem_u (local.get $v) (i64.const 10)))))
      (local.set $v (i64.div_u (local.get $v) (i64.const 10)))
      (br_if $next (i64.ne (local.get $v) (i64.const 0))))
    (if (i64.lt_s (i64.load (local.get $p)) (i64.const 0))
      (then
        (local.set $pos (i32.sub (local.get $pos) (i32.const 1)))
        (i32.store8 (local.get $pos) (i32.const 45))))
    (call $write (local.get $sink) (local.get $pos) (i32.sub (i32.const 544) (local.get $pos))))

  ;; Writes n copies of byte b, one byte per write.
  (func (export "Text_repeat") (param $sink i32) (param $b i32) (param $n i32)
    (i32.store8 (i32.const 600) (local.get $b))
    (block $done
      (loop $next
        (br_if $done (i32.eqz (local.get $n)))
        (call $write (local.get $sink) (i32.const 600) (i32.const 1))
        (local.set $n (i32.sub (local.get $n) (i32.const 1)))
        (br $next))))

  (func (export "Text_sum8") (param $s i32) (param $len i32) (result i32)
    (local $i i32) (local $sum i32)
    (block $done
      (loop $next
        (br_if $done (i32.ge_u (local.get $i) (local.get $len)))
        (local.set $sum
          (i32.add (local.get $sum) (i32.load8_u (i32.add (local.get $s) (local.get $i)))))
        (local.set $i (i32.add (local.get $i) (i32.const 1)))
        (br $next)))
    (local.get $sum))

  (func (export "Text_sum16") (param $s i32) (param $len i32) (result i32)
    (local $i i32) (local $sum i32)
    (block $done
      (loop $next
        (br_if $done (i32.ge_u (local.get $i) (local.get $len)))
        (local.set $sum
          (i32.add (local.get $sum)
            (i32.load16_u (i32.add (local.get $s) (i32.shl (local.get $i) (i32.const 1))))))
        (local.set $i (i32.add (local.get $i) (i32.const 1)))
        (br $next)))
    (local.get $sum))

  ;; Pair {a i64 @0, b i64 @8}; halves are borrowed decimals.
  (func (export "Pair_new") (param $a i64) (param $b i64) (result i32)
    (local $p i32)
    (local.set $p (call $alloc (i32.const 16) (i32.const 8)))
    (i64.store (local.get $p) (local.get $a))
    (i64.store offset=8 (local.get $p) (local.get $b))
    (local.get $p))
  (func (export "Pair_first") (param $p i32) (result i32)
    (local.get $p))
  (func (export "Pair_second") (param $p i32) (result i32)
    (i32.add (local.get $p) (i32.const 8)))
  (func (export "Pair_destroy") (param i32)
    (call $destroyed))

  ;; Iter {ptr @0, len @4, pos @8} reads bytes out of caller memory.
  (func (export "Iter_new") (param $s i32) (param $len i32) (result i32)
    (local $it i32)
    (local.set $it (call $alloc (i32.const 12) (i32.const 4)))
    (i32.store (local.get $it) (local.get $s))
    (i32.store offset=4 (local.get $it) (local.get $len))
    (i32.store offset=8 (local.get $it) (i32.const 0))
    (local.get $it))
  (func (export "Iter_next") (param $it i32) (result i32)
    (local $pos i32)
    (local.set $pos (i32.load offset=8 (local.get $it)))
    (if (i32.ge_u (local.get $pos) (i32.load offset=4 (local.get $it)))
      (then (return (i32.const -1))))
    (i32.store offset=8 (local.get $it) (i32.add (local.get $pos) (i32.const 1)))
    (i32.load8_u (i32.add (i32.load (local.get $it)) (local.get $pos))))
  (func (export "Iter_destroy") (param i32)
    (call $destroyed))

  (func (export "diplomat_buffer_write_create") (param $cap i32) (result i32)
    (local $w i32)
    (local.set $w (call $alloc (i32.const 20) (i32.const 4)))
    (i32.store (local.get $w) (i32.const 0x7a7a))
    (i32.store offset=4 (local.get $w) (call $alloc (local.get $cap) (i32.const 1)))
    (i32.store offset=8 (local.get $w) (i32.const 0))
    (i32.store offset=12 (local.get $w) (local.get $cap))
    (i32.store8 offset=16 (local.get $w) (i32.const 0))
    (local.get $w))
  (func (export "diplomat_buffer_write_get_bytes") (param $w i32) (result i32)
    (i32.load offset=4 (local.get $w)))
  (func (export "diplomat_buffer_write_len") (param $w i32) (result i32)
    (i32.load offset=8 (local.get $w)))
  (func (export "diplomat_buffer_write_destroy") (param i32)
    (global.set $frees (i32.add (global.get $frees) (i32.const 2))))

  (func (export "Module_hello")
    (call $console_log (i32.const 16) (i32.const 20)))
  (func (export "Module_panic")
    (call $throw_error (i32.const 64) (i32.const 13)))
  (func (export "Module_unreachable")
    unreachable)
)`
